package protocol

import (
	"github.com/spirit-labs/proxyrpc/encoding"
	"github.com/spirit-labs/proxyrpc/errors"
	"strings"
)

// Identity names a remote object. Identities with an empty name are invalid.
type Identity struct {
	Name     string
	Category string
}

// String returns "category/name", or just the name when the category is empty. Slashes and backslashes in either
// part are escaped with a backslash.
func (i Identity) String() string {
	if i.Category == "" {
		return escape(i.Name)
	}
	return escape(i.Category) + "/" + escape(i.Name)
}

func (i Identity) Compare(other Identity) int {
	if c := strings.Compare(i.Category, other.Category); c != 0 {
		return c
	}
	return strings.Compare(i.Name, other.Name)
}

func (i Identity) Write(out *encoding.OutputStream) {
	out.WriteString(i.Name)
	out.WriteString(i.Category)
}

func ReadIdentity(in *encoding.InputStream) (Identity, error) {
	name, err := in.ReadString()
	if err != nil {
		return Identity{}, err
	}
	category, err := in.ReadString()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: name, Category: category}, nil
}

func ParseIdentity(s string) (Identity, error) {
	slash := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == '/' {
			if slash != -1 {
				return Identity{}, errors.NewRpcErrorf(errors.ProxyParse, "identity '%s' contains more than one '/'", s)
			}
			slash = i
		}
	}
	var id Identity
	if slash == -1 {
		id.Name = unescape(s)
	} else {
		id.Category = unescape(s[:slash])
		id.Name = unescape(s[slash+1:])
	}
	if id.Name == "" {
		return Identity{}, errors.NewRpcErrorf(errors.ProxyParse, "identity '%s' has an empty name", s)
	}
	return id, nil
}

func escape(s string) string {
	if !strings.ContainsAny(s, `/\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '/' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
