package httpparser

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/chromedp/cdproto/har"
)

func UnmarshalHAR(reader io.Reader) (har.HAR, error) {
	var harLog har.HAR

	if err := json.NewDecoder(reader).Decode(&harLog); err != nil {
		return harLog, fmt.Errorf("failed to unmarshal HAR log: %w", err)
	}
	if harLog.Log == nil {
		return harLog, fmt.Errorf("failed to unmarshal HAR log: no log entries")
	}

	return harLog, nil
}

func entryToRequest(entry *har.Entry) (Request, bool, error) {
	if entry == nil || entry.Request == nil {
		return Request{}, false, nil
	}
	request := entry.Request

	target, err := url.Parse(request.URL)
	if err != nil {
		return Request{}, false, err
	}

	query := target.Query()
	for _, q := range request.QueryString {
		if !query.Has(q.Name) {
			query.Add(q.Name, q.Value)
		}
	}
	target.RawQuery = query.Encode()

	result := Request{
		Method: request.Method,
		URL:    target.String(),
	}

	for _, h := range request.Headers {
		// pseudo headers of HTTP/2 recordings can not be replayed
		if len(h.Name) > 0 && h.Name[0] == ':' {
			continue
		}
		if result.Headers == nil {
			result.Headers = map[string]string{}
		}
		result.Headers[h.Name] = h.Value
	}

	if request.PostData != nil {
		result.Body = request.PostData.Text
	}

	if entry.Response != nil && entry.Response.Status > 0 {
		result.ExpectStatus = int(entry.Response.Status)
	}

	return result, true, nil
}

// FromHAR converts recorded entries into requests expecting the recorded response status
func FromHAR(log *har.Log) ([]Request, error) {
	var requests []Request

	for i, entry := range log.Entries {
		r, ok, err := entryToRequest(entry)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if ok {
			requests = append(requests, r)
		}
	}

	return requests, nil
}
