// Package doctor reports whether this machine can record, and where
// tracerec keeps its state.
package doctor

import (
	"fmt"
	"io"

	"github.com/majorcontext/tracerec/internal/ui"
)

// Section is one block of diagnostic output.
type Section interface {
	Name() string

	// Print writes the section body. An error marks the section failed.
	Print(w io.Writer) error
}

// Registry holds sections in the order they are printed.
type Registry struct {
	sections []Section
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a section.
func (r *Registry) Register(s Section) {
	r.sections = append(r.sections, s)
}

// Sections returns the registered sections.
func (r *Registry) Sections() []Section {
	return r.sections
}

// Run prints every section and returns how many failed.
func (r *Registry) Run(w io.Writer) int {
	failed := 0
	for _, s := range r.sections {
		ui.Section(w, s.Name())
		if err := s.Print(w); err != nil {
			fmt.Fprintf(w, "%s %v\n", ui.WarnTag(), err)
			failed++
		}
		fmt.Fprintln(w)
	}
	return failed
}
