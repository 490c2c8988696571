package domain

import "fmt"

// Kind ties a URL collection name to the model class authorization policies use.
type Kind struct {
	Name  string
	Class string
}

var (
	KindUsers                  = Kind{Name: "users", Class: "User"}
	KindPrestataires           = Kind{Name: "prestataires", Class: "Prestataire"}
	KindDocuments              = Kind{Name: "ged", Class: "Document"}
	KindRemisesCles            = Kind{Name: "remises-cles", Class: "RemiseCle"}
	KindApprochesProprietaires = Kind{Name: "approches-proprietaires", Class: "ApprocheProprietaire"}
	KindApprochesLocataires    = Kind{Name: "approches-locataires", Class: "ApprocheLocataire"}
)

// Kinds lists every collection served by the API.
func Kinds() []Kind {
	return []Kind{
		KindUsers,
		KindPrestataires,
		KindDocuments,
		KindRemisesCles,
		KindApprochesProprietaires,
		KindApprochesLocataires,
	}
}

// KindByName resolves a collection name.
func KindByName(name string) (Kind, error) {
	for _, kind := range Kinds() {
		if kind.Name == name {
			return kind, nil
		}
	}
	return Kind{}, fmt.Errorf("domain: unknown resource type %q", name)
}
