// Package sections holds the fixed catalog of the 15 plan sections and the
// single derivation of completed step numbers used by every write path.
package sections

import (
	_ "embed"
	"fmt"
	"log"
	"sort"

	"schoolplan/plan_review/schema"

	"gopkg.in/yaml.v3"
)

//go:embed sections.yml
var catalogYaml []byte

type Section struct {
	Key   string `yaml:"key"`
	Step  int    `yaml:"step"`
	Title string `yaml:"title"`
}

type catalogFile struct {
	Sections []Section `yaml:"sections"`
}

const Count = 15

var (
	catalog    []Section
	stepByKey  map[string]int
	keyByStep  map[int]string
	titleByKey map[string]string
)

func init() {
	var file catalogFile
	if err := yaml.Unmarshal(catalogYaml, &file); err != nil {
		log.Fatalf("error parsing embedded section catalog: %v", err)
	}
	if len(file.Sections) != Count {
		log.Fatalf("section catalog must contain exactly %d sections, found %d", Count, len(file.Sections))
	}

	catalog = file.Sections
	stepByKey = make(map[string]int, Count)
	keyByStep = make(map[int]string, Count)
	titleByKey = make(map[string]string, Count)
	for _, s := range catalog {
		stepByKey[s.Key] = s.Step
		keyByStep[s.Step] = s.Key
		titleByKey[s.Key] = s.Title
	}
}

func All() []Section {
	return catalog
}

// Keys returns the section keys in step order.
func Keys() []string {
	keys := make([]string, 0, Count)
	for step := 1; step <= Count; step++ {
		keys = append(keys, keyByStep[step])
	}
	return keys
}

func StepNumber(key string) (int, bool) {
	step, ok := stepByKey[key]
	return step, ok
}

func KeyForStep(step int) (string, error) {
	key, ok := keyByStep[step]
	if !ok {
		return "", fmt.Errorf("invalid step number %d, must be between 1 and %d", step, Count)
	}
	return key, nil
}

func Title(key string) string {
	return titleByKey[key]
}

// CompletedSteps derives the sorted list of completed step numbers from the
// section rows. It is the only source of truth for the completed-steps view;
// callers must never persist or hand-maintain the list.
func CompletedSteps(rows []schema.FormSection) []int {
	steps := make([]int, 0, len(rows))
	for _, row := range rows {
		if !row.Completed {
			continue
		}
		if step, ok := stepByKey[row.Key]; ok {
			steps = append(steps, step)
		}
	}
	sort.Ints(steps)
	return steps
}
