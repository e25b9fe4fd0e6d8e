package provider

import (
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// ErrInvalidRepository is returned when a repository identifier cannot be parsed
var ErrInvalidRepository = goerr.New("repository must be in format {owner}/{name}")

// Organisation is an organisation login
type Organisation string

// Repository identifies a repository by owner and name. It is comparable and
// used as a map key.
type Repository struct {
	Owner string
	Name  string
}

// ParseRepository parses "owner/name". The split happens on the first slash.
func ParseRepository(s string) (Repository, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" {
		return Repository{}, goerr.Wrap(ErrInvalidRepository, "failed to parse repository", goerr.V("value", s))
	}
	return Repository{Owner: owner, Name: name}, nil
}

// String renders the repository as owner/name
func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// Workflow is a CI workflow definition of a repository as last discovered
type Workflow struct {
	ID   int64
	Name string
}

func (w Workflow) String() string {
	return fmt.Sprintf("(%d) %s", w.ID, w.Name)
}
