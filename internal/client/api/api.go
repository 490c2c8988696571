package api

import "github.com/l0p7/immogest/internal/domain"

// API groups the resource modules sharing one dispatcher.
type API struct {
	Users                  *Resource[domain.User, *domain.User]
	Prestataires           *Resource[domain.Prestataire, *domain.Prestataire]
	RemisesCles            *Resource[domain.RemiseCle, *domain.RemiseCle]
	ApprochesProprietaires *Resource[domain.ApprocheProprietaire, *domain.ApprocheProprietaire]
	ApprochesLocataires    *Resource[domain.ApprocheLocataire, *domain.ApprocheLocataire]
	Documents              *Documents
}

func New(d Dispatcher) *API {
	return &API{
		Users:                  NewResource[domain.User](d, domain.KindUsers.Name),
		Prestataires:           NewResource[domain.Prestataire](d, domain.KindPrestataires.Name),
		RemisesCles:            NewResource[domain.RemiseCle](d, domain.KindRemisesCles.Name),
		ApprochesProprietaires: NewResource[domain.ApprocheProprietaire](d, domain.KindApprochesProprietaires.Name),
		ApprochesLocataires:    NewResource[domain.ApprocheLocataire](d, domain.KindApprochesLocataires.Name),
		Documents:              NewDocuments(d),
	}
}
