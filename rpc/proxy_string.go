package rpc

import (
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"github.com/spirit-labs/proxyrpc/protocol"
	"github.com/spirit-labs/proxyrpc/transport"
	"strings"
)

// parseReference parses a proxy string:
//
//	identity [-f facet] [-t | -o | -O | -d | -D] [-e version] [:endpoint]*
//	identity [-f facet] [-t | -o | -O | -d | -D] [-e version] @ adapter
func (c *Communicator) parseReference(s string) (*Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.NewRpcError(errors.ProxyParse, "empty proxy string")
	}
	sep := indexUnquoted(s, ":@")
	head := s
	tail := ""
	if sep != -1 {
		head = s[:sep]
		tail = s[sep:]
	}
	args, err := transport.SplitOptions(head)
	if err != nil {
		return nil, errors.NewRpcErrorf(errors.ProxyParse, "invalid proxy string '%s': %v", s, err)
	}
	if len(args) == 0 {
		return nil, errors.NewRpcErrorf(errors.ProxyParse, "no identity in proxy string '%s'", s)
	}
	identity, err := protocol.ParseIdentity(args[0])
	if err != nil {
		return nil, err
	}
	facet := ""
	mode := ModeTwoway
	for i := 1; i < len(args); i++ {
		opt := args[i]
		switch opt {
		case "-f":
			if i+1 >= len(args) {
				return nil, errors.NewRpcErrorf(errors.ProxyParse, "no argument for -f in proxy string '%s'", s)
			}
			i++
			facet = args[i]
		case "-t":
			mode = ModeTwoway
		case "-o":
			mode = ModeOneway
		case "-O":
			mode = ModeBatchOneway
		case "-d":
			mode = ModeDatagram
		case "-D":
			mode = ModeBatchDatagram
		case "-e", "-p":
			// Encoding and protocol versions, only 1.x is spoken
			if i+1 >= len(args) {
				return nil, errors.NewRpcErrorf(errors.ProxyParse, "no argument for %s in proxy string '%s'", opt, s)
			}
			i++
			if !strings.HasPrefix(args[i], "1.") {
				return nil, errors.NewRpcErrorf(errors.ProxyParse, "unsupported version %s in proxy string '%s'",
					args[i], s)
			}
		default:
			return nil, errors.NewRpcErrorf(errors.ProxyParse, "unknown option '%s' in proxy string '%s'", opt, s)
		}
	}
	if tail == "" {
		return newRoutableReference(c, identity, facet, mode, nil, ""), nil
	}
	if tail[0] == '@' {
		adapterArgs, err := transport.SplitOptions(tail[1:])
		if err != nil {
			return nil, errors.NewRpcErrorf(errors.ProxyParse, "invalid adapter id in proxy string '%s': %v", s, err)
		}
		if len(adapterArgs) != 1 || adapterArgs[0] == "" {
			return nil, errors.NewRpcErrorf(errors.ProxyParse, "expected one adapter id in proxy string '%s'", s)
		}
		return newRoutableReference(c, identity, facet, mode, nil, adapterArgs[0]), nil
	}
	endpoints, err := c.parseEndpoints(tail[1:], s)
	if err != nil {
		return nil, err
	}
	return newRoutableReference(c, identity, facet, mode, endpoints, ""), nil
}

// parseEndpoints parses ':' separated endpoints. Endpoints which fail to parse are skipped with a warning unless
// none parse.
func (c *Communicator) parseEndpoints(s string, proxy string) ([]transport.Endpoint, error) {
	var endpoints []transport.Endpoint
	var firstErr error
	for {
		end := indexUnquoted(s, ":")
		part := s
		if end != -1 {
			part = s[:end]
		}
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, errors.NewRpcErrorf(errors.EndpointParse, "empty endpoint in proxy string '%s'", proxy)
		}
		e, err := c.factories.Create(part, false)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Warnf("ignoring endpoint '%s' of proxy '%s': %v", part, proxy, err)
		} else {
			endpoints = append(endpoints, e)
		}
		if end == -1 {
			break
		}
		s = s[end+1:]
	}
	if len(endpoints) == 0 {
		return nil, firstErr
	}
	return endpoints, nil
}

// indexUnquoted returns the index of the first of chars outside single or double quotes, or -1.
func indexUnquoted(s string, chars string) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote == '"' && ch == '\\':
			i++
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case strings.IndexByte(chars, ch) != -1:
			return i
		}
	}
	return -1
}

func quoteProxyToken(s string) string {
	quoted := transport.QuoteOption(s)
	if quoted == s && (strings.Contains(s, "@") || strings.HasPrefix(s, "-")) {
		return `"` + s + `"`
	}
	return quoted
}
