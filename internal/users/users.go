// Package users resolves the people Tickler serves. Authentication
// happens upstream; this directory only maps a user id or the phone
// number a text arrived from to a configured user.
package users

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/tickler/internal/config"
)

// User is one directory entry.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Directory is an immutable lookup table built from configuration.
// Safe for concurrent use.
type Directory struct {
	byID    map[string]User
	byPhone map[string]User
}

// NewDirectory indexes entries. Duplicate ids or phone numbers are an
// error.
func NewDirectory(entries []config.UserConfig) (*Directory, error) {
	d := &Directory{
		byID:    make(map[string]User, len(entries)),
		byPhone: make(map[string]User, len(entries)),
	}
	for _, e := range entries {
		if e.ID == "" {
			return nil, errors.New("user entry with empty id")
		}
		if _, dup := d.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate user id %q", e.ID)
		}
		u := User{ID: e.ID, Name: e.Name, Phone: NormalizePhone(e.Phone)}
		d.byID[u.ID] = u
		if u.Phone == "" {
			continue
		}
		if other, dup := d.byPhone[u.Phone]; dup {
			return nil, fmt.Errorf("phone %s assigned to both %q and %q", u.Phone, other.ID, u.ID)
		}
		d.byPhone[u.Phone] = u
	}
	return d, nil
}

// ByID returns the user with id.
func (d *Directory) ByID(id string) (User, bool) {
	if d == nil {
		return User{}, false
	}
	u, ok := d.byID[id]
	return u, ok
}

// ByPhone returns the user whose phone matches, in any common notation.
func (d *Directory) ByPhone(phone string) (User, bool) {
	if d == nil {
		return User{}, false
	}
	u, ok := d.byPhone[NormalizePhone(phone)]
	return u, ok
}

// Len returns the number of users.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byID)
}

// NormalizePhone reduces a phone number to E.164 form: a leading +
// followed by digits only. Numbers written without + are assumed to
// already carry their country code.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}
