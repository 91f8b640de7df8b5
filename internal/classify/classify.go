// Package classify maps fetch outcomes onto the closed failure taxonomy the
// orchestrator acts on. It performs no I/O and never retries.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/catalog-ingest/internal/catalog"
	"github.com/JakeFAU/catalog-ingest/internal/jsontree"
)

var throttlingStatuses = map[int]struct{}{
	http.StatusTooManyRequests:    {},
	http.StatusBadGateway:         {},
	http.StatusServiceUnavailable: {},
}

// Result is either a validated page or a classified error.
type Result struct {
	Page catalog.Page
	Err  *catalog.Error
}

// OK reports whether the response classified successfully.
func (r Result) OK() bool {
	return r.Err == nil
}

// IsThrottling reports whether status belongs to the throttling set.
func IsThrottling(status int) bool {
	_, ok := throttlingStatuses[status]
	return ok
}

// Response classifies a completed HTTP exchange. maxDepth bounds the search
// for the edge list and page info; zero selects jsontree.DefaultMaxDepth.
func Response(resp catalog.Response, maxDepth int) Result {
	retryHeader := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if IsThrottling(resp.StatusCode) || retryHeader != "" {
		e := catalog.NewError(catalog.KindRateLimited, nil, "server throttled request")
		e.StatusCode = resp.StatusCode
		e.RetryAfter = parseRetryAfter(retryHeader, time.Now())
		return Result{Err: e}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := catalog.NewError(catalog.KindFatalStatus, nil, http.StatusText(resp.StatusCode))
		e.StatusCode = resp.StatusCode
		return Result{Err: e}
	}

	var doc any
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return malformed(resp.StatusCode, err, "body is not valid JSON")
	}
	envelope, ok := doc.(map[string]any)
	if !ok {
		return malformed(resp.StatusCode, nil, "body is not a JSON object")
	}
	if errs, present := envelope["errors"]; present && !emptyErrors(errs) {
		return malformed(resp.StatusCode, nil, "response carries errors: "+summarizeErrors(errs))
	}
	data, ok := envelope["data"]
	if !ok || data == nil {
		return malformed(resp.StatusCode, nil, "response has no data envelope")
	}
	edges, ok := jsontree.FindEdges(data, maxDepth)
	if !ok {
		return malformed(resp.StatusCode, nil, "no edge list found")
	}
	items := make([]catalog.RawItem, 0, len(edges))
	for i, edge := range edges {
		obj, isMap := edge.(map[string]any)
		if !isMap {
			return malformed(resp.StatusCode, nil, fmt.Sprintf("edge %d is not an object", i))
		}
		if node, hasNode := obj["node"].(map[string]any); hasNode {
			obj = node
		}
		items = append(items, obj)
	}

	page := catalog.Page{
		Items:     items,
		EndCursor: jsontree.FindCursor(data, maxDepth),
	}
	if info, found := jsontree.FindPageInfo(data, maxDepth); found {
		page.HasNextPage = jsontree.HasNextPage(info)
	}
	return Result{Page: page}
}

// Fault classifies an error raised instead of a response. Callers check for
// a cancelled parent context first; that case is an interruption, not a fault.
func Fault(err error) *catalog.Error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return catalog.NewError(catalog.KindTransientNetwork, err, "request failed")
	}
	return catalog.NewError(catalog.KindUnexpected, err, "unexpected fault")
}

// IsTransient reports whether err is a connection, timeout or read failure.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func malformed(status int, err error, detail string) Result {
	e := catalog.NewError(catalog.KindMalformedPayload, err, detail)
	e.StatusCode = status
	return Result{Err: e}
}

func emptyErrors(v any) bool {
	switch e := v.(type) {
	case nil:
		return true
	case []any:
		return len(e) == 0
	default:
		return false
	}
}

func summarizeErrors(v any) string {
	list, ok := v.([]any)
	if !ok {
		return fmt.Sprint(v)
	}
	msgs := make([]string, 0, len(list))
	for _, item := range list {
		if m, isMap := item.(map[string]any); isMap {
			if msg, hasMsg := m["message"].(string); hasMsg {
				msgs = append(msgs, msg)
				continue
			}
		}
		msgs = append(msgs, fmt.Sprint(item))
	}
	return strings.Join(msgs, "; ")
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable hints
// yield zero; the orchestrator's cooldown is fixed regardless.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
