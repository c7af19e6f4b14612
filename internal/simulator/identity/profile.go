// Package identity provisions the per-client identities a run logs on
// with and records them in the profile database.
package identity

import (
	"fmt"
	"net"
	"time"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
)

// Profile is everything a worker needs to log on as one simulated user.
type Profile struct {
	// Name is the profile key, e.g. "exchange_user12@example.org"
	Name string

	Server   string
	Index    int
	Username string
	Password string
	Domain   string
	Realm    string
	Mailbox  string
	BaseURL  string

	// Address is the source address the client binds to
	Address net.IP

	// Interface is the name of the virtual interface carrying Address
	Interface string

	UpdatedAt time.Time
}

// Account converts the profile into backend logon parameters.
func (p *Profile) Account() backend.Account {
	return backend.Account{
		Username:  p.Username,
		Password:  p.Password,
		Domain:    p.Domain,
		Mailbox:   p.Mailbox,
		LocalAddr: p.Address,
	}
}

// Username returns the user name for index on srv. Non-ranged servers use
// the generic user as is.
func Username(srv *config.ServerConfig, index int) string {
	if !srv.Ranged() {
		return srv.GenericUser
	}
	return fmt.Sprintf("%s%d", srv.GenericUser, index)
}

// ProfileName returns the profile key for index on srv.
func ProfileName(srv *config.ServerConfig, index int) string {
	name := fmt.Sprintf("%s_%s", srv.Name, Username(srv, index))
	if srv.Realm != "" {
		name += "@" + srv.Realm
	}
	return name
}

// Mailbox returns the mailbox address of a user.
func Mailbox(srv *config.ServerConfig, username string) string {
	if srv.Realm == "" {
		return username
	}
	return username + "@" + srv.Realm
}

// NewProfile builds the profile for index on srv bound to addr.
func NewProfile(srv *config.ServerConfig, index int, addr net.IP) Profile {
	user := Username(srv, index)
	return Profile{
		Name:     ProfileName(srv, index),
		Server:   srv.Name,
		Index:    index,
		Username: user,
		Password: srv.GenericPassword,
		Domain:   srv.Domain,
		Realm:    srv.Realm,
		Mailbox:  Mailbox(srv, user),
		BaseURL:  srv.BaseURL,
		Address:  addr,
	}
}
