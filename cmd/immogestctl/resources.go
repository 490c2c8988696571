package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/l0p7/immogest/internal/client/api"
	"github.com/l0p7/immogest/internal/client/cache"
	"github.com/l0p7/immogest/internal/domain"
)

var resourceNames = []string{
	domain.KindUsers.Name,
	domain.KindPrestataires.Name,
	domain.KindRemisesCles.Name,
	domain.KindApprochesProprietaires.Name,
	domain.KindApprochesLocataires.Name,
}

// resourceCommands erases the record type of an api.Resource for the command table.
type resourceCommands interface {
	list(ctx context.Context, params api.ListParams) (any, error)
	get(ctx context.Context, id string) (any, error)
	create(ctx context.Context, body any) (any, error)
	update(ctx context.Context, id string, body any) (any, error)
	delete(ctx context.Context, id string) error
	watch(params api.ListParams) (*cache.Subscription, error)
}

type resourceAdapter[T any, PT interface {
	*T
	api.Identified
}] struct {
	r *api.Resource[T, PT]
}

func adapt[T any, PT interface {
	*T
	api.Identified
}](r *api.Resource[T, PT]) resourceCommands {
	return resourceAdapter[T, PT]{r: r}
}

func (a resourceAdapter[T, PT]) list(ctx context.Context, params api.ListParams) (any, error) {
	return a.r.List(ctx, params)
}

func (a resourceAdapter[T, PT]) get(ctx context.Context, id string) (any, error) {
	return a.r.Get(ctx, id)
}

func (a resourceAdapter[T, PT]) create(ctx context.Context, body any) (any, error) {
	return a.r.Create(ctx, body)
}

func (a resourceAdapter[T, PT]) update(ctx context.Context, id string, body any) (any, error) {
	return a.r.Update(ctx, id, body)
}

func (a resourceAdapter[T, PT]) delete(ctx context.Context, id string) error {
	return a.r.Delete(ctx, id)
}

func (a resourceAdapter[T, PT]) watch(params api.ListParams) (*cache.Subscription, error) {
	return a.r.WatchList(params)
}

func (s *session) resource(name string) resourceCommands {
	switch name {
	case domain.KindUsers.Name:
		return adapt(s.api.Users)
	case domain.KindPrestataires.Name:
		return adapt(s.api.Prestataires)
	case domain.KindRemisesCles.Name:
		return adapt(s.api.RemisesCles)
	case domain.KindApprochesProprietaires.Name:
		return adapt(s.api.ApprochesProprietaires)
	default:
		return adapt(s.api.ApprochesLocataires)
	}
}

func listFlags(cmd *cobra.Command, params *api.ListParams) {
	cmd.Flags().IntVar(&params.Page, "page", 0, "page number")
	cmd.Flags().IntVar(&params.PerPage, "per-page", 0, "page size")
	cmd.Flags().StringVarP(&params.Query, "query", "q", "", "filter text")
}

// resourceCmd builds the list/get/create/update/delete commands of one collection.
func resourceCmd(name string, current func() *session) *cobra.Command {
	parent := groupCmd(name, "Manage "+name)
	resource := func() resourceCommands { return current().resource(name) }

	var params api.ListParams
	var watch bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List " + name,
		Args:  exactArgs(0, name+" list [flags]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := current()
			if !watch {
				return s.print(resource().list(cmd.Context(), params))
			}
			sub, err := resource().watch(params)
			if err != nil {
				return err
			}
			defer sub.Close()
			return s.follow(cmd.Context(), sub)
		},
	}
	listFlags(listCmd, &params)
	listCmd.Flags().BoolVar(&watch, "watch", false, "print the list again whenever it changes")
	parent.AddCommand(listCmd)

	parent.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one record",
		Args:  exactArgs(1, name+" get <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return current().print(resource().get(cmd.Context(), args[0]))
		},
	})

	parent.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one record",
		Args:  exactArgs(1, name+" delete <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := current()
			if err := resource().delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(s.stdout, "deleted %s %s\n", name, args[0])
			return nil
		},
	})

	var createData string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record from a JSON object",
		Args:  exactArgs(0, name+" create [--data JSON]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := current()
			body, err := s.body(createData)
			if err != nil {
				return err
			}
			return s.print(resource().create(cmd.Context(), body))
		},
	}
	createCmd.Flags().StringVarP(&createData, "data", "d", "", "JSON body (stdin when omitted)")
	parent.AddCommand(createCmd)

	var updateData string
	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Merge a JSON object into a record",
		Args:  exactArgs(1, name+" update <id> [--data JSON]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := current()
			body, err := s.body(updateData)
			if err != nil {
				return err
			}
			return s.print(resource().update(cmd.Context(), args[0], body))
		},
	}
	updateCmd.Flags().StringVarP(&updateData, "data", "d", "", "JSON body (stdin when omitted)")
	parent.AddCommand(updateCmd)

	return parent
}

// documentsCmd builds the GED commands.
func documentsCmd(current func() *session) *cobra.Command {
	name := domain.KindDocuments.Name
	parent := groupCmd(name, "Manage GED documents")

	var params api.ListParams
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		Args:  exactArgs(0, name+" list [flags]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return current().print(current().api.Documents.List(cmd.Context(), params))
		},
	}
	listFlags(listCmd, &params)
	parent.AddCommand(listCmd)

	var upload api.Upload
	uploadCmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file",
		Args:  exactArgs(1, name+" upload [--name N] [--category C] <file>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()
			req := upload
			req.FileName = filepath.Base(path)
			req.ContentType = mime.TypeByExtension(filepath.Ext(path))
			req.Content = f
			return current().print(current().api.Documents.Upload(cmd.Context(), req))
		},
	}
	uploadCmd.Flags().StringVar(&upload.Name, "name", "", "document name")
	uploadCmd.Flags().StringVar(&upload.Category, "category", "", "document category")
	parent.AddCommand(uploadCmd)

	for _, action := range []string{"attach", "detach"} {
		parent.AddCommand(&cobra.Command{
			Use:   action + " <id> <type> <target-id>",
			Short: "Link a document to a record",
			Args:  exactArgs(3, fmt.Sprintf("%s %s <id> <type> <target-id>", name, action)),
			RunE: func(cmd *cobra.Command, args []string) error {
				docs := current().api.Documents
				target := domain.AttachmentRef{Type: args[1], ID: args[2]}
				if action == "attach" {
					return current().print(docs.Attach(cmd.Context(), args[0], target))
				}
				return current().print(docs.Detach(cmd.Context(), args[0], target))
			},
		})
	}

	parent.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document and unlink it everywhere",
		Args:  exactArgs(1, name+" delete <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := current()
			if err := s.api.Documents.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(s.stdout, "deleted %s %s\n", name, args[0])
			return nil
		},
	})
	return parent
}
