// Package pathtmpl substitutes "{name}" placeholders in a developer
// endpoint path template from a map of tool arguments, carrying any
// unconsumed arguments (plus declared parameter defaults) into the
// query string or, for POST, into a JSON body.
//
// Ported from the archgw path templater (common/src/path.rs and
// prompt_gateway/src/tools.rs in the original Rust implementation):
// same left-to-right brace scan and the same percent-encoding profile
// (space encoded as %20). Unconsumed tool params are appended before
// parameter defaults, and defaults keep their declared order; the order
// among unconsumed tool params is Go map iteration order, which is not
// defined.
package pathtmpl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Parameter is a developer-declared prompt-target parameter, reduced to
// the fields templating uses: Name, and Default when HasDefault is set.
// Other declared attributes (type, required) are not carried here.
type Parameter struct {
	Name     string
	Default  string
	HasDefault bool
}

// MissingValueError is returned when a path placeholder has no
// corresponding entry in the tool-params map.
type MissingValueError struct {
	Name string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("missing value for parameter `%s`", e.Name)
}

// Replace substitutes every "{name}" placeholder in path using
// toolParams, then appends any unconsumed toolParams and any
// targetParams defaults as query-string key=value pairs.
//
// Returns the concrete path (no braces remain), the query string, and a
// map of the leftover parameters that were appended to the query string
// (used by ComputeRequestPathBody to build a POST body instead).
func Replace(path string, toolParams map[string]string, targetParams []Parameter) (string, string, map[string]string, error) {
	var acc strings.Builder
	var current strings.Builder
	inParam := false
	consumed := make(map[string]bool)

	for _, c := range path {
		switch {
		case c == '{':
			inParam = true
		case c == '}':
			inParam = false
			name := current.String()
			current.Reset()
			value, ok := toolParams[name]
			if !ok {
				return "", "", nil, &MissingValueError{Name: name}
			}
			acc.WriteString(strings.ReplaceAll(url.QueryEscape(value), "+", "%20"))
			consumed[name] = true
		case inParam:
			current.WriteRune(c)
		default:
			acc.WriteRune(c)
		}
	}

	leftover := make(map[string]string)

	appendParam := func(name, value string) {
		encoded := strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
		if strings.Contains(acc.String(), "?") {
			acc.WriteString("&")
		} else {
			acc.WriteString("?")
		}
		acc.WriteString(name)
		acc.WriteString("=")
		acc.WriteString(encoded)
	}

	// Go maps have no insertion order, so when more than one tool param is
	// left unconsumed their relative order in the query string is not
	// defined. Each one is still appended exactly once.
	for name, value := range toolParams {
		if consumed[name] {
			continue
		}
		consumed[name] = true
		leftover[name] = url.QueryEscape(value)
		appendParam(name, value)
	}

	for _, p := range targetParams {
		if consumed[p.Name] || !p.HasDefault || p.Default == "" {
			continue
		}
		consumed[p.Name] = true
		leftover[p.Name] = p.Default
		appendParam(p.Name, p.Default)
	}

	dummy, err := url.Parse("http://dummy.internal")
	if err != nil {
		return "", "", nil, err
	}
	joined, err := dummy.Parse(acc.String())
	if err != nil {
		return "", "", nil, err
	}

	return joined.Path, joined.RawQuery, leftover, nil
}

// FilterToolParams keeps only scalar (string/number/bool) values from an
// arbitrary tool-argument map — mirrors filter_tool_params in tools.rs.
// Non-scalar values (nested objects, arrays, null) are dropped silently.
func FilterToolParams(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case float64:
			out[k] = formatNumber(val)
		case json.Number:
			out[k] = val.String()
		}
	}
	return out
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Method is an HTTP method restricted to the set a prompt-target
// endpoint may declare.
type Method string

const (
	MethodGet  Method = "GET"
	MethodPost Method = "POST"
)

// ComputeRequestPathBody builds the concrete request path and, for POST,
// the JSON body to send to a developer endpoint. Ported from
// compute_request_path_body in tools.rs.
func ComputeRequestPathBody(endpointPath string, toolArgs map[string]any, targetParams []Parameter, method Method) (string, []byte, error) {
	toolParams := FilterToolParams(toolArgs)

	pathOnly, queryString, leftover, err := Replace(endpointPath, toolParams, targetParams)
	if err != nil {
		return "", nil, err
	}

	switch method {
	case MethodGet:
		// Always append "?", even when queryString is empty, matching
		// the original templater's literal format!("{}?{}", ...).
		return pathOnly + "?" + queryString, nil, nil
	case MethodPost:
		merged := make(map[string]string, len(leftover))
		for k, v := range leftover {
			merged[k] = v
		}
		if queryString != "" {
			for _, pair := range strings.Split(queryString, "&") {
				kv := strings.SplitN(pair, "=", 2)
				if len(kv) != 2 {
					continue
				}
				merged[kv[0]] = kv[1]
			}
		}
		body, err := json.Marshal(merged)
		if err != nil {
			return "", nil, fmt.Errorf("marshaling api request body: %w", err)
		}
		return pathOnly, body, nil
	default:
		return "", nil, fmt.Errorf("unsupported http method: %q", method)
	}
}
