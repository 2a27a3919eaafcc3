// Package jobs holds the catalog of proactive notification jobs: which jobs
// exist, which request fields each one needs and how its message is worded.
package jobs

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrUnknownJob is returned by Render for a job name not in the catalog.
var ErrUnknownJob = errors.New("unknown job")

// MissingFieldError reports a request field the job requires but did not get.
type MissingFieldError struct {
	Job   string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("jobs: %s requires %q", e.Job, e.Field)
}

type Job struct {
	Name        string
	Description string
	Requires    []string
	tmpl        *template.Template
}

type catalogFile struct {
	Jobs map[string]struct {
		Description string   `yaml:"description"`
		Requires    []string `yaml:"requires"`
		Message     string   `yaml:"message"`
	} `yaml:"jobs"`
}

type Catalog struct {
	jobs map[string]Job
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Load(defaultCatalog)
}

// LoadFile reads a catalog from path, or the default one when path is empty.
func LoadFile(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobs: read catalog: %w", err)
	}
	return Load(raw)
}

func Load(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("jobs: parse catalog: %w", err)
	}
	if len(f.Jobs) == 0 {
		return nil, errors.New("jobs: catalog defines no jobs")
	}
	c := &Catalog{jobs: make(map[string]Job, len(f.Jobs))}
	for name, def := range f.Jobs {
		if strings.TrimSpace(def.Message) == "" {
			return nil, fmt.Errorf("jobs: %s has no message", name)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(def.Message)
		if err != nil {
			return nil, fmt.Errorf("jobs: %s message: %w", name, err)
		}
		c.jobs[name] = Job{
			Name:        name,
			Description: def.Description,
			Requires:    def.Requires,
			tmpl:        tmpl,
		}
	}
	return c, nil
}

func (c *Catalog) Lookup(name string) (Job, bool) {
	j, ok := c.jobs[name]
	return j, ok
}

// Names lists the job names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.jobs))
	for name := range c.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Render builds the notification text for job from the request fields.
// Every field the job requires must be present and non-blank.
func (c *Catalog) Render(job string, fields map[string]string) (string, error) {
	j, ok := c.jobs[job]
	if !ok {
		return "", fmt.Errorf("jobs: %q: %w", job, ErrUnknownJob)
	}
	for _, f := range j.Requires {
		if strings.TrimSpace(fields[f]) == "" {
			return "", &MissingFieldError{Job: job, Field: f}
		}
	}
	data := make(map[string]string, len(fields))
	for k, v := range fields {
		data[k] = strings.TrimSpace(v)
	}
	var buf bytes.Buffer
	if err := j.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("jobs: render %s: %w", job, err)
	}
	return buf.String(), nil
}
