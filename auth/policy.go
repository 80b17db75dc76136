package auth

import "strings"

// Policy decides which wallet addresses may act as dispute admin.
type Policy interface {
	IsAdmin(address string) bool
}

// AllowList is a Policy over a fixed set of addresses, compared
// case-insensitively.
type AllowList struct {
	admins map[string]struct{}
}

func NewAllowList(addresses ...string) AllowList {
	admins := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		if addr = strings.ToLower(strings.TrimSpace(addr)); addr != "" {
			admins[addr] = struct{}{}
		}
	}
	return AllowList{admins: admins}
}

// ParseAllowList reads a comma separated address list.
func ParseAllowList(raw string) AllowList {
	return NewAllowList(strings.Split(raw, ",")...)
}

func (a AllowList) IsAdmin(address string) bool {
	_, ok := a.admins[strings.ToLower(strings.TrimSpace(address))]
	return ok && address != ""
}

// Len reports how many admins are configured.
func (a AllowList) Len() int {
	return len(a.admins)
}
