package release

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/tidwall/gjson"
)

// ErrNoFormDefinition means no post-survey insights asset exists for a
// definition version.
var ErrNoFormDefinition = errors.New("release: no post-survey form definition")

// FormDefinitions reads post-survey insights specs from a tree laid out as
// {version}/insights/postSurvey.json.
type FormDefinitions struct {
	fsys fs.FS
}

// NewFormDefinitions serves definitions from fsys.
func NewFormDefinitions(fsys fs.FS) *FormDefinitions {
	return &FormDefinitions{fsys: fsys}
}

// PostSurveyPath is the asset path of a version's post-survey specs.
func PostSurveyPath(version string) string {
	return path.Join(version, "insights", "postSurvey.json")
}

// PostSurveySpecs loads the specs of version. The asset is either a JSON
// array of specs or an object holding them under "oneToManyConfigSpecs".
func (d *FormDefinitions) PostSurveySpecs(version string) ([]OneToManyConfigSpec, error) {
	if version == "" || !fs.ValidPath(version) {
		return nil, fmt.Errorf("definition version %q: %w", version, ErrNoFormDefinition)
	}
	p := PostSurveyPath(version)
	data, err := fs.ReadFile(d.fsys, p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrNoFormDefinition)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s is not valid JSON", p)
	}

	doc := gjson.ParseBytes(data)
	if doc.IsObject() {
		doc = doc.Get("oneToManyConfigSpecs")
	}
	if !doc.IsArray() {
		return nil, fmt.Errorf("%s holds no spec list", p)
	}

	var specs []OneToManyConfigSpec
	if err := json.Unmarshal([]byte(doc.Raw), &specs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	for i, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s spec %d: %w", p, i, err)
		}
	}
	return specs, nil
}
