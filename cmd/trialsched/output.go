package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	outputYAML = "yaml"
	outputJSON = "json"
)

// writeOutput renders v as YAML or JSON, or through the Go template at templatePath when set.
func writeOutput(w io.Writer, v interface{}, format, templatePath string) error {
	if templatePath != "" {
		bs, err := os.ReadFile(templatePath) // #nosec G304
		if err != nil {
			return errors.Wrap(err, "reading output template")
		}
		return renderTemplate(w, string(bs), v)
	}
	switch format {
	case outputYAML, "":
		return toYAML(w, v)
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q, expected %s or %s", format, outputYAML, outputJSON)
	}
}

// toYAML writes v as block-style YAML keyed by its JSON field names.
func toYAML(w io.Writer, v interface{}) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(bs, &doc); err != nil {
		return errors.Wrap(err, "converting output to yaml")
	}
	clearStyle(&doc)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	return enc.Close()
}

// clearStyle drops the flow and quoting styles the JSON input carries.
func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}

func renderTemplate(w io.Writer, text string, data interface{}) error {
	tmpl, err := template.New("output").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return errors.Wrap(err, "parsing output template")
	}
	return errors.Wrap(tmpl.Execute(w, data), "rendering output template")
}
