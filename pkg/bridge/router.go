// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Route is the delivery target resolved from an integration token.
type Route struct {
	Room   id.RoomID
	Sender string
}

// RoomRouter maps opaque integration tokens to their delivery routes. The
// table is parsed once at startup and never mutated afterwards, so lookups
// need no locking.
type RoomRouter struct {
	routes map[string]Route
}

// ParseRoutes builds a router from the route table string: space-separated
// entries, each a comma-joined token,room,sender triple, e.g.
//
//	alertmanager,!ops:example.org,Alertmanager backups,!ops:example.org,Backup
//
// Any malformed or duplicate entry aborts startup.
func ParseRoutes(table string) (*RoomRouter, error) {
	routes := make(map[string]Route)
	for _, entry := range strings.Fields(table) {
		parts := strings.Split(entry, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed route entry %q: want token,room,sender", entry)
		}
		token, room, sender := parts[0], parts[1], parts[2]
		if token == "" || room == "" || sender == "" {
			return nil, fmt.Errorf("malformed route entry %q: empty field", entry)
		}
		if _, dup := routes[token]; dup {
			return nil, fmt.Errorf("duplicate route token %q", token)
		}
		routes[token] = Route{Room: id.RoomID(room), Sender: sender}
	}
	if len(routes) == 0 {
		return nil, errors.New("no webhook routes configured")
	}
	return &RoomRouter{routes: routes}, nil
}

// Resolve looks up the route for a token. Matching is exact and
// case-sensitive, no normalization.
func (r *RoomRouter) Resolve(token string) (Route, bool) {
	route, ok := r.routes[token]
	return route, ok
}

// Len returns the number of configured tokens.
func (r *RoomRouter) Len() int {
	return len(r.routes)
}

// Rooms returns every route target plus the admin room when one is set,
// deduplicated. This is the set of rooms the session joins before syncing;
// joins are idempotent so order does not matter.
func (r *RoomRouter) Rooms(adminRoom id.RoomID) []id.RoomID {
	seen := make(map[id.RoomID]struct{}, len(r.routes)+1)
	var rooms []id.RoomID
	add := func(room id.RoomID) {
		if room == "" {
			return
		}
		if _, ok := seen[room]; ok {
			return
		}
		seen[room] = struct{}{}
		rooms = append(rooms, room)
	}
	add(adminRoom)
	for _, route := range r.routes {
		add(route.Room)
	}
	return rooms
}
