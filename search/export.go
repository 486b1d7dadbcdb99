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

package search

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/darts/choices"
)

// ScoredArchitecture pairs an exported architecture with the epoch validation
// loss it achieved.
type ScoredArchitecture struct {
	ValidLoss    float64        `json:"valid_loss"`
	Architecture map[string]any `json:"architecture"`
}

// exportMap derives the current architecture from the mixtures: the
// highest-weight candidate per operation choice and the NChosen
// highest-weight experts per expert choice. Operation choices come first and
// the first mixture seen for a shared label decides it, which is immaterial
// since shared labels share weights.
func (t *Trainer) exportMap() map[string]any {
	arch := make(map[string]any)
	for _, m := range t.sub.opMixtures {
		if _, done := arch[m.Label()]; !done {
			arch[m.Label()] = m.Export()
		}
	}
	for _, m := range t.sub.expertMixtures {
		if _, done := arch[m.Label()]; !done {
			arch[m.Label()] = m.Export()
		}
	}
	return arch
}

// archSummary formats the current arg-max architecture for logging, one
// label=selection pair per choice, labels sorted.
func (t *Trainer) archSummary() string {
	arch := t.exportMap()
	labels := make([]string, 0, len(arch))
	for label := range arch {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	parts := make([]string, len(labels))
	for i, label := range labels {
		parts[i] = fmt.Sprintf("%s=%v", label, arch[label])
	}
	return strings.Join(parts, " ")
}

// Export returns the current architecture as a Binding, ready to rebuild the
// model in fixed mode.
func (t *Trainer) Export() *choices.Binding {
	return choices.NewBinding(t.exportMap())
}

// updateTopK records the end-of-epoch architecture, keeping at most
// Config.TopK entries sorted by ascending validation loss.
func (t *Trainer) updateTopK(validLoss float64) {
	t.topK = append(t.topK, ScoredArchitecture{ValidLoss: validLoss, Architecture: t.exportMap()})
	sort.SliceStable(t.topK, func(i, j int) bool { return t.topK[i].ValidLoss < t.topK[j].ValidLoss })
	if len(t.topK) > t.cfg.TopK {
		t.topK = t.topK[:t.cfg.TopK]
	}
}

// TopK returns the best architectures found so far, best first.
func (t *Trainer) TopK() []ScoredArchitecture {
	out := make([]ScoredArchitecture, len(t.topK))
	copy(out, t.topK)
	return out
}

// WriteArchitecture writes the current architecture as JSON, loadable with
// choices.LoadBinding.
func (t *Trainer) WriteArchitecture(path string) error {
	return writeJSON(path, t.exportMap())
}

// WriteTopK writes the scored top-k architectures as JSON.
func (t *Trainer) WriteTopK(path string) error {
	return writeJSON(path, t.topK)
}

func writeJSON(path string, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "serializing %q", path)
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0644); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}
