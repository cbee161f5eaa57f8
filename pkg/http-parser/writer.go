package httpparser

import (
	"fmt"
	"io"
)

func (r *Request) Marshal(w io.Writer) error {
	if r.Name != "" {
		fmt.Fprintf(w, "### %s\n", r.Name)
	}
	if r.ExpectStatus != 0 {
		fmt.Fprintf(w, "# @expect %d\n", r.ExpectStatus)
	}

	method := r.Method
	if method == "" {
		method = "GET"
	}
	if _, err := fmt.Fprintf(w, "%s %s\n", method, r.URL); err != nil {
		return err
	}

	for _, k := range sortedKeys(r.Headers) {
		fmt.Fprintf(w, "%s: %s\n", k, r.Headers[k])
	}

	if r.Body != "" {
		fmt.Fprintf(w, "\n%s\n", r.Body)
	}
	return nil
}

// Marshal writes requests in the format accepted by Parse
func Marshal(w io.Writer, entries []Request) error {
	for i := range entries {
		if i > 0 && entries[i].Name == "" {
			fmt.Fprint(w, "###\n")
		}
		if err := entries[i].Marshal(w); err != nil {
			return fmt.Errorf("failed to marshal request %d out of %d: %w", i+1, len(entries), err)
		}
		if i+1 != len(entries) {
			fmt.Fprint(w, "\n")
		}
	}

	return nil
}
