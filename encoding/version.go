package encoding

import (
	"fmt"
	"github.com/spirit-labs/proxyrpc/errors"
	"strconv"
	"strings"
)

// Version is a protocol or encoding version.
type Version struct {
	Major byte
	Minor byte
}

var (
	Encoding10 = Version{Major: 1, Minor: 0}
	Encoding11 = Version{Major: 1, Minor: 1}
)

// CurrentEncoding is used for encapsulations written by this process.
var CurrentEncoding = Encoding11

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, errors.NewRpcErrorf(errors.EndpointParse, "malformed version '%s'", s)
	}
	maj, err := strconv.ParseUint(major, 10, 8)
	if err != nil {
		return Version{}, errors.NewRpcErrorf(errors.EndpointParse, "malformed version '%s'", s)
	}
	mnr, err := strconv.ParseUint(minor, 10, 8)
	if err != nil {
		return Version{}, errors.NewRpcErrorf(errors.EndpointParse, "malformed version '%s'", s)
	}
	return Version{Major: byte(maj), Minor: byte(mnr)}, nil
}
