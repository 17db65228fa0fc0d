package main

import (
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/iotlib/coap/pkg/content"
	"github.com/iotlib/coap/pkg/exchange"
	"github.com/iotlib/coap/pkg/message"
	"gopkg.in/yaml.v3"
)

// Result is one response as printed by the CLI.
type Result struct {
	Exchange      string  `json:"exchange" yaml:"exchange"`
	Target        string  `json:"target" yaml:"target"`
	From          string  `json:"from" yaml:"from"`
	Code          string  `json:"code" yaml:"code"`
	ContentFormat string  `json:"content_format" yaml:"content_format"`
	Observe       *uint32 `json:"observe,omitempty" yaml:"observe,omitempty"`
	Content       any     `json:"content,omitempty" yaml:"content,omitempty"`
}

// newResult captures resp as received by e. Payloads with a Content-Format
// known to reg are decoded; other text is printed as is and binary as hex.
func newResult(e *exchange.Exchange, resp *message.Message, reg *content.Registry) Result {
	r := Result{
		Exchange:      e.ID().String(),
		Target:        e.Target(),
		From:          resp.Addr.String(),
		Code:          resp.Code.String(),
		ContentFormat: resp.ContentFormat().String(),
	}
	if obs, ok := resp.Observe(); ok {
		r.Observe = &obs
	}

	if v, err := reg.Unpack(resp.ContentFormat(), resp.Payload); err == nil && v != nil {
		r.Content = v
	} else if len(resp.Payload) > 0 {
		if utf8.Valid(resp.Payload) {
			r.Content = string(resp.Payload)
		} else {
			r.Content = fmt.Sprintf("%x", resp.Payload)
		}
	}
	return r
}

// renderer writes results in one output format.
type renderer func(w io.Writer, r Result) error

func newRenderer(format string) (renderer, error) {
	switch format {
	case "json":
		return renderJSON, nil
	case "yaml":
		return renderYAML, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want json or yaml)", format)
}

func renderJSON(w io.Writer, r Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func renderYAML(w io.Writer, r Result) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "---\n")
	return err
}
