package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Placeholder functions
// ---------------------------------------------------------------------------

// PlaceholderFunc returns the SQL placeholder for a given 1-based parameter index.
type PlaceholderFunc func(index int) string

// DollarPlaceholder returns $1, $2, etc. (PostgreSQL).
func DollarPlaceholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

// QuestionPlaceholder returns ? for all params (MySQL, SQLite).
func QuestionPlaceholder(_ int) string {
	return "?"
}

// AtPPlaceholder returns @p1, @p2, etc. (SQL Server).
func AtPPlaceholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

// ---------------------------------------------------------------------------
// Wire options
// ---------------------------------------------------------------------------

// Decode reads request options from query parameters. It is the inverse of
// Options.Values for every recognized key. Unlike FromMap it is strict: the
// values come from a client and a malformed one is an error.
func Decode(v url.Values) (*Options, error) {
	o := &Options{}

	for _, raw := range v["where"] {
		var f Filter
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("invalid where %q: %w", raw, err)
		}
		if f.Name == "" {
			return nil, fmt.Errorf("invalid where %q: missing name", raw)
		}
		if f.Op == "" {
			f.Op = "="
		}
		o.Where = append(o.Where, f)
	}

	for _, raw := range v["order_by"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			o.OrderBy = append(o.OrderBy, ParseOrder(part))
		}
	}

	var err error
	if o.Limit, err = decodeInt(v, "limit"); err != nil {
		return nil, err
	}
	if o.Offset, err = decodeInt(v, "offset"); err != nil {
		return nil, err
	}

	if raw := v.Get("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &o.Args); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
	}
	if raw := v.Get("meta_data"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid meta_data %q", raw)
		}
		o.MetaData = Bool(b)
	}
	if o.Exclude, err = decodeStrings(v, "exclude"); err != nil {
		return nil, err
	}
	if o.Include, err = decodeStrings(v, "include"); err != nil {
		return nil, err
	}
	if raw := v.Get("session_id"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &o.SessionID); err != nil {
			o.SessionID = raw
		}
	}
	return o, nil
}

// DecodeBody reads options sent as a JSON object of parameter lists, the body
// of a read upgraded from GET to POST.
func DecodeBody(body []byte) (*Options, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return &Options{}, nil
	}
	var v url.Values
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("invalid query body: %w", err)
	}
	return Decode(v)
}

// WantsMetadata reports whether decoded options explicitly asked for
// metadata. Servers treat an absent meta_data as false.
func (o *Options) WantsMetadata() bool {
	return o != nil && o.MetaData != nil && *o.MetaData
}

func decodeInt(v url.Values, key string) (*int, error) {
	raw := v.Get(key)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: must be an integer", key, raw)
	}
	return &n, nil
}

func decodeStrings(v url.Values, key string) ([]string, error) {
	raw := v.Get(key)
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return out, nil
}
