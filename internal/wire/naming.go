package wire

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Per-entity push channels.
func UpdateOpcode(kind string, id int64) string     { return kind + "Update_" + itoa(id) }
func AttrUpdateOpcode(kind string, id int64) string { return kind + "AttrUpdate_" + itoa(id) }
func MenuUpdateOpcode(kind string, id int64) string { return kind + "MenuUpdate_" + itoa(id) }

// Registry-wide push channels.
func AddOpcode(kind string) string    { return kind + "Add" }
func RemoveOpcode(kind string) string { return kind + "Remove" }

// Subscription calls, e.g. "token.SubscribeToken".
func SubscribeMethod(kind, tag string) string   { return kind + ".Subscribe" + tag }
func UnsubscribeMethod(kind, tag string) string { return kind + ".Unsubscribe" + tag }

// EntityTag names one entity on the wire, e.g. "Token_7".
func EntityTag(tag string, id int64) string { return tag + "_" + itoa(id) }

func ChangeMethod(entityTag, field string) string {
	return entityTag + ".Change" + Capitalize(field)
}

func AttrChangeMethod(entityTag, attr string) string {
	return entityTag + ".AttrChange" + Capitalize(attr)
}

// MemberMethod names an arbitrary per-entity member ("GetMenus", "DoMenuAction", events).
func MemberMethod(entityTag, member string) string { return entityTag + "." + member }

// Capitalize upper-cases the first rune and lower-cases the rest.
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[n:])
}

// ParseMethod splits "Token_7.ChangeHp" into its entity tag, id and member.
func ParseMethod(method string) (tag string, id int64, member string, err error) {
	dot := strings.IndexByte(method, '.')
	if dot <= 0 || dot == len(method)-1 {
		return "", 0, "", fmt.Errorf("method %q: missing member", method)
	}
	entity, member := method[:dot], method[dot+1:]
	us := strings.LastIndexByte(entity, '_')
	if us <= 0 {
		return "", 0, "", fmt.Errorf("method %q: missing entity id", method)
	}
	id, err = strconv.ParseInt(entity[us+1:], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("method %q: bad entity id: %w", method, err)
	}
	return entity[:us], id, member, nil
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
