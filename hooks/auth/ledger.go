// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"crypto/subtle"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
)

const (
	Deny      Access = iota // user cannot access the topic
	ReadOnly                // user can only subscribe to the topic
	WriteOnly               // user can only publish to the topic
	ReadWrite               // user can both publish and subscribe to the topic
)

// Access determines the read/write privileges for an ACL rule.
type Access byte

// Allows returns true if the access permits publishing (write) or subscribing.
func (a Access) Allows(write bool) bool {
	if write {
		return a == WriteOnly || a == ReadWrite
	}
	return a == ReadOnly || a == ReadWrite
}

// Users contains a map of access rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines a set of access rules for a specific user.
type UserRule struct {
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	ACL      Filters `json:"acl,omitempty" yaml:"acl,omitempty"`           // filters to match, if desired
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // allow or disallow the user
}

// AuthRules defines generic access rules applicable to all users.
type AuthRules []AuthRule

// AuthRule matches connecting peers on any combination of client id, username, remote
// address and password. Empty fields match anything.
type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`
	Username RString `json:"username,omitempty" yaml:"username,omitempty"`
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`
	Password RString `json:"password,omitempty" yaml:"password,omitempty"`
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`
}

// ACLRules defines generic topic or filter access rules applicable to all users.
type ACLRules []ACLRule

// ACLRule defines access rules for the topics of the peers it matches.
type ACLRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`
	Username RString `json:"username,omitempty" yaml:"username,omitempty"`
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`
	Filters  Filters `json:"filters,omitempty" yaml:"filters,omitempty"` // no filters grants everything
}

// Filters is a map of Access rules keyed on filter.
type Filters map[RString]Access

// match returns the access of the most specific filter covering the topic. Filters with
// more levels win, then filters with fewer wildcards, so "a/b/c" overrides "a/#".
func (f Filters) match(topic string) (Access, bool) {
	var best RString
	var found bool
	for filter := range f {
		if !filter.FilterMatches(topic) {
			continue
		}

		if !found || moreSpecific(string(filter), string(best)) {
			best, found = filter, true
		}
	}

	if !found {
		return Deny, false
	}

	return f[best], true
}

// moreSpecific returns true if filter a should take precedence over filter b.
func moreSpecific(a, b string) bool {
	la, lb := strings.Count(a, "/"), strings.Count(b, "/")
	if la != lb {
		return la > lb
	}

	wa := strings.Count(a, "+") + strings.Count(a, "#")
	wb := strings.Count(b, "+") + strings.Count(b, "#")
	if wa != wb {
		return wa < wb
	}

	return a < b
}

// RString is a rule value string. A trailing * matches any suffix.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	return i > 0 && len(a) > i && rr[:i] == a[:i]
}

// FilterMatches returns true if the rule filter covers a topic, or every topic of a
// subscription filter.
func (r RString) FilterMatches(a string) bool {
	return FilterCovers(string(r), a)
}

// FilterCovers returns true if every topic matched by sub is also matched by filter.
// A topic name is a filter without wildcards, so it also checks publish topics. Topics
// starting with $ are not matched by a leading wildcard [MQTT-4.7.2-1].
func FilterCovers(filter, sub string) bool {
	if filter == "" || sub == "" {
		return false
	}

	if strings.HasPrefix(sub, "$") && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	fp := strings.Split(filter, "/")
	sp := strings.Split(sub, "/")

	for i, f := range fp {
		if f == "#" {
			return true // also covers the parent level, a/# matches a
		}

		if i >= len(sp) {
			return false
		}

		switch {
		case sp[i] == "#":
			return false
		case f == "+":
			continue
		case f != sp[i]:
			return false
		}
	}

	return len(fp) == len(sp)
}

// MatchTopic returns the levels of the topic captured by the wildcards of the filter, and
// whether the filter matches the topic at all.
func MatchTopic(filter string, topic string) (elements []string, matched bool) {
	if !FilterCovers(filter, topic) {
		return nil, false
	}

	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	elements = make([]string, 0, len(fp))
	for i, f := range fp {
		switch f {
		case "+":
			elements = append(elements, tp[i])
		case "#":
			if i < len(tp) {
				elements = append(elements, strings.Join(tp[i:], "/"))
			}
		}
	}

	return elements, true
}

// Ledger is an auth ledger containing access rules for users and topics.
type Ledger struct {
	mu    sync.RWMutex
	Users Users     `json:"users" yaml:"users"`
	Auth  AuthRules `json:"auth" yaml:"auth"`
	ACL   ACLRules  `json:"acl" yaml:"acl"`
}

// Update replaces the rules of the ledger, while it is in use.
func (l *Ledger) Update(ln *Ledger) {
	ln.mu.RLock()
	users, au, acl := ln.Users, ln.Auth, ln.ACL
	ln.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.Users = users
	l.Auth = au
	l.ACL = acl
}

// passwordEqual compares a rule password with a sent password in constant time.
func passwordEqual(rule RString, sent []byte) bool {
	return subtle.ConstantTimeCompare([]byte(rule), sent) == 1
}

// AuthOk returns the index of the deciding auth rule, and true if the peer may connect.
// A user in the users map with a matching password is decided by the users map alone.
func (l *Ledger) AuthOk(cl *mqtt.Conn, pk *packets.ConnectPacket) (n int, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if u, ok := l.Users[string(cl.Username)]; ok && u.Password != "" && passwordEqual(u.Password, pk.Password) {
		return 0, !u.Disallow
	}

	for n, rule := range l.Auth {
		if rule.Client.Matches(cl.ID) &&
			rule.Username.Matches(string(cl.Username)) &&
			rule.Password.Matches(string(pk.Password)) &&
			rule.Remote.Matches(cl.Remote) {
			return n, rule.Allow
		}
	}

	return 0, false
}

// ACLOk returns the index of the deciding acl rule, and true if the peer may publish to
// (write) or subscribe to the topic or filter. Topics no rule speaks for are allowed.
func (l *Ledger) ACLOk(cl *mqtt.Conn, topic string, write bool) (n int, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if u, ok := l.Users[string(cl.Username)]; ok && len(u.ACL) > 0 {
		if access, found := u.ACL.match(topic); found {
			return 0, access.Allows(write)
		}
	}

	for n, rule := range l.ACL {
		if !rule.Client.Matches(cl.ID) ||
			!rule.Username.Matches(string(cl.Username)) ||
			!rule.Remote.Matches(cl.Remote) {
			continue
		}

		if len(rule.Filters) == 0 {
			return n, true
		}

		if access, found := rule.Filters.match(topic); found {
			return n, access.Allows(write)
		}
	}

	return 0, true
}

// Filters returns the filters of every ACL rule, sorted, mainly for logging.
func (l *Ledger) Filters() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for _, rule := range l.ACL {
		for f := range rule.Filters {
			out = append(out, string(f))
		}
	}

	sort.Strings(out)
	return out
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML document (such as a rule config from a file) into the ledger.
func (l *Ledger) Unmarshal(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
