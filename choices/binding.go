/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package choices

import (
	"encoding/json"
	"os"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Binding maps choice labels to their fixed decision: a single candidate name
// for operation choices, a ranked list of expert names (best first) for expert
// choices. A nil *Binding means search mode.
//
// A Binding is typically the output of a finished search, exported by
// search.Trainer.Export or loaded back from its JSON file.
type Binding struct {
	operations map[string]string
	expertSets map[string][]string
}

// NewBinding builds a Binding from explicit selections. Values must be string
// (operation choice) or []string (expert choice, ranked best first).
func NewBinding(selections map[string]any) *Binding {
	b := &Binding{
		operations: make(map[string]string),
		expertSets: make(map[string][]string),
	}
	for label, v := range selections {
		switch sel := v.(type) {
		case string:
			b.operations[label] = sel
		case []string:
			b.expertSets[label] = sel
		case []any:
			names := make([]string, 0, len(sel))
			for _, e := range sel {
				name, ok := e.(string)
				if !ok {
					Panicf("binding for %q: expert list entry %v is not a string", label, e)
				}
				names = append(names, name)
			}
			b.expertSets[label] = names
		default:
			Panicf("binding for %q: value %v must be a candidate name or a list of expert names", label, v)
		}
	}
	return b
}

// LoadBinding reads an exported architecture JSON file.
func LoadBinding(path string) (*Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading architecture file %q", path)
	}
	var selections map[string]any
	if err := json.Unmarshal(data, &selections); err != nil {
		return nil, errors.Wrapf(err, "parsing architecture file %q", path)
	}
	return NewBinding(selections), nil
}

// Labels returns all bound labels.
func (b *Binding) Labels() []string {
	labels := make([]string, 0, len(b.operations)+len(b.expertSets))
	for l := range b.operations {
		labels = append(labels, l)
	}
	for l := range b.expertSets {
		labels = append(labels, l)
	}
	return labels
}

// operation returns the bound candidate name for an operation choice label.
// Building a choice whose label the binding doesn't know is a configuration
// error, so it panics.
func (b *Binding) operation(label string) string {
	name, found := b.operations[label]
	if !found {
		Panicf("fixed architecture has no selection for operation choice %q, known labels: %v",
			label, b.Labels())
	}
	return name
}

// experts returns the bound expert names for an expert choice label, ranked
// best first.
func (b *Binding) experts(label string) []string {
	names, found := b.expertSets[label]
	if !found {
		Panicf("fixed architecture has no selection for expert choice %q, known labels: %v",
			label, b.Labels())
	}
	return names
}
