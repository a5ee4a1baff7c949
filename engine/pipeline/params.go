package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/engine/core"
)

const (
	defaultOffset = "0"
	defaultLimit  = "100"
)

// ReadParams assembles the merged parameter map for a read request:
// internal defaults, then path captures, then the query string. Cache
// parameters are added when the endpoint caches. Malformed offset/limit
// values are a validation error.
func ReadParams(ep *config.Endpoint, captures map[string]string, query url.Values) (map[string]string, error) {
	params := map[string]string{
		"offset": defaultOffset,
		"limit":  defaultLimit,
	}
	applyFieldDefaults(ep, params)
	for k, v := range captures {
		params[k] = v
	}
	for k, vs := range query {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	addCacheParams(ep, params)
	if _, err := coerceInt(params, "offset"); err != nil {
		return nil, err
	}
	if _, err := coerceInt(params, "limit"); err != nil {
		return nil, err
	}
	return params, nil
}

// WriteParams assembles parameters for a write request. Precedence, lowest
// to highest: field defaults, path captures, query string, JSON body. The
// query string never overrides a configured field default; only the body
// can. Body values override query values; an empty body string is
// preserved; null maps to an empty string with the key present; nested
// objects and arrays are re-serialized as compact JSON.
func WriteParams(ep *config.Endpoint, captures map[string]string, query url.Values, body []byte) (map[string]string, error) {
	params := map[string]string{}
	applyFieldDefaults(ep, params)
	defaulted := defaultedFields(ep)
	for k, v := range captures {
		params[k] = v
	}
	for k, vs := range query {
		if defaulted[k] {
			continue
		}
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	if len(body) > 0 {
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, core.WrapError(core.KindValidation, "malformed JSON request body", err)
		}
		for k, v := range doc {
			s, err := stringifyBodyValue(v)
			if err != nil {
				return nil, err
			}
			params[k] = s
		}
	}
	addCacheParams(ep, params)
	return params, nil
}

func applyFieldDefaults(ep *config.Endpoint, params map[string]string) {
	for i := range ep.Request {
		f := &ep.Request[i]
		if f.Default != nil {
			params[f.FieldName] = *f.Default
		}
	}
}

// defaultedFields returns the names of request fields that carry a
// configured default.
func defaultedFields(ep *config.Endpoint) map[string]bool {
	out := make(map[string]bool)
	for i := range ep.Request {
		if ep.Request[i].Default != nil {
			out[ep.Request[i].FieldName] = true
		}
	}
	return out
}

func addCacheParams(ep *config.Endpoint, params map[string]string) {
	if !ep.Cache.Enabled {
		return
	}
	params["cacheCatalog"] = ep.Cache.Catalog
	params["cacheSchema"] = ep.Cache.SchemaOrMain()
	params["cacheTable"] = ep.Cache.Table
}

func stringifyBodyValue(v any) (string, error) {
	switch tv := v.(type) {
	case nil:
		return "", nil
	case string:
		return tv, nil
	case bool:
		return strconv.FormatBool(tv), nil
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), nil
	case json.Number:
		return tv.String(), nil
	default:
		raw, err := json.Marshal(tv)
		if err != nil {
			return "", core.WrapError(core.KindValidation, "unserializable body value", err)
		}
		return string(raw), nil
	}
}

func coerceInt(params map[string]string, key string) (int64, error) {
	n, err := strconv.ParseInt(params[key], 10, 64)
	if err != nil {
		return 0, core.NewError(core.KindValidation,
			fmt.Sprintf("parameter %q must be an integer", key))
	}
	return n, nil
}

// NextURL composes the follow-up page link: the current query string with
// offset advanced by limit. Empty when the page is the last one.
func NextURL(reqURL *url.URL, offset, limit, total int64) string {
	if reqURL == nil || offset+limit >= total {
		return ""
	}
	next := *reqURL
	q := next.Query()
	q.Set("offset", strconv.FormatInt(offset+limit, 10))
	q.Set("limit", strconv.FormatInt(limit, 10))
	next.RawQuery = q.Encode()
	return next.String()
}
