// Package layers holds the Layer Specification table: named variants of one
// source footprint, each with a resolution class, a simplification tolerance
// and an offset. Tables are data, either embedded (layersets/*.json) or read
// from a file, and are read-only once loaded.
package layers

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/perimeterx/marshmallow"
)

type Resolution string

const (
	High   Resolution = "high"
	Medium Resolution = "medium"
	Low    Resolution = "low"
)

var (
	//go:embed layersets/*.json
	embeddedLayerSetsJSONFS embed.FS
	embeddedLayerSetsCache  = make(map[string]*LayerSet)
	embeddedLayerSetsMu     sync.Mutex
)

// Layer is one entry of a layer set.
type Layer struct {
	Name       string     `validate:"required,excludes=__" json:"name"`
	Resolution Resolution `validate:"required,oneof=high medium low" json:"resolution" default:"high"`
	// Simplification tolerance, in the units of the geometry it is applied to
	Tolerance float64 `validate:"gte=0" json:"tolerance"`
	// Offset is (dx, dy); empty means no shift
	Offset []float64 `validate:"omitempty,len=2" json:"offset,omitempty"`

	unknownKeys []string
}

func (l *Layer) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return l.UnmarshalJSONFromMap(raw)
}

func (l *Layer) UnmarshalJSONFromMap(data interface{}) error {
	err := defaults.Set(l)
	if err != nil {
		return err
	}

	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`layer is not an object but a %T`, data)
	}

	specials, err := marshmallow.UnmarshalFromJSONMap(dataMap, l, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}
	l.unknownKeys = sortedKeys(specials)
	return nil
}

// Shift returns the layer offset, (0, 0) when none is set.
func (l Layer) Shift() (dx, dy float64) {
	if len(l.Offset) != 2 {
		return 0, 0
	}
	return l.Offset[0], l.Offset[1]
}

// HasOffset reports whether applying the layer moves a geometry.
func (l Layer) HasOffset() bool {
	dx, dy := l.Shift()
	return dx != 0 || dy != 0
}

// LayerSet is a named, ordered table of layers.
type LayerSet struct {
	ID          string  `validate:"required" json:"id"`
	Description string  `json:"description,omitempty"`
	Layers      []Layer `validate:"required,min=1,unique=Name,dive" json:"-"`

	unknownKeys []string
}

func (ls *LayerSet) UnmarshalJSON(data []byte) error {
	specials, err := marshmallow.Unmarshal(data, ls, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawLayers, ok := specials["layers"]
	if !ok {
		return fmt.Errorf(`missing key "layers"`)
	}
	delete(specials, "layers")
	ls.unknownKeys = sortedKeys(specials)

	ls.Layers, err = unmarshalLayers(rawLayers)
	if err != nil {
		return err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(ls)
}

func unmarshalLayers(rawLayers interface{}) ([]Layer, error) {
	rawLayersList, ok := rawLayers.([]interface{})
	if !ok {
		return nil, fmt.Errorf(`"layers" should be an array`)
	}
	result := make([]Layer, 0, len(rawLayersList))
	for i, rawLayer := range rawLayersList {
		var l Layer
		if err := l.UnmarshalJSONFromMap(rawLayer); err != nil {
			return nil, fmt.Errorf("layers[%d]: %w", i, err)
		}
		result = append(result, l)
	}
	return result, nil
}

// UnknownKeys lists keys in the source JSON that are not part of the layer set format,
// prefixed with the layer index for keys inside a layer entry.
func (ls *LayerSet) UnknownKeys() []string {
	keys := append([]string(nil), ls.unknownKeys...)
	for i, l := range ls.Layers {
		for _, k := range l.unknownKeys {
			keys = append(keys, "layers["+strconv.Itoa(i)+"]."+k)
		}
	}
	return keys
}

// Names returns the layer names in table order.
func (ls *LayerSet) Names() []string {
	names := make([]string, 0, len(ls.Layers))
	for _, l := range ls.Layers {
		names = append(names, l.Name)
	}
	return names
}

// Lookup finds a layer by name.
func (ls *LayerSet) Lookup(name string) (Layer, bool) {
	for _, l := range ls.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}

func LoadEmbeddedLayerSet(id string) (LayerSet, error) {
	embeddedLayerSetsMu.Lock()
	defer embeddedLayerSetsMu.Unlock()

	var ls LayerSet
	cached, ok := embeddedLayerSetsCache[id]
	if ok {
		return *cached, nil
	}
	lsJSON, err := embeddedLayerSetsJSONFS.ReadFile("layersets/" + id + ".json")
	if err != nil {
		return ls, fmt.Errorf("unknown layer set %q: %w", id, err)
	}
	err = json.Unmarshal(lsJSON, &ls)
	if err != nil {
		return ls, fmt.Errorf("layer set %q: %w", id, err)
	}
	embeddedLayerSetsCache[id] = &ls
	return ls, nil
}

func LoadLayerSetFile(path string) (LayerSet, error) {
	var ls LayerSet
	lsJSON, err := os.ReadFile(path)
	if err != nil {
		return ls, err
	}
	err = json.Unmarshal(lsJSON, &ls)
	if err != nil {
		return ls, fmt.Errorf("layer set file %s: %w", path, err)
	}
	return ls, nil
}

// EmbeddedLayerSetIDs lists the built-in layer sets.
func EmbeddedLayerSetIDs() []string {
	entries, err := embeddedLayerSetsJSONFS.ReadDir("layersets")
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids
}

// ResolutionFromGSD maps a ground sampling distance label like "10m" to a resolution class.
func ResolutionFromGSD(gsd string) (Resolution, error) {
	meters, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(gsd), "m"), 64)
	if err != nil {
		return "", fmt.Errorf("ground sampling distance %q: %w", gsd, err)
	}
	switch {
	case meters <= 0:
		return "", fmt.Errorf("ground sampling distance %q is not positive", gsd)
	case meters <= 10:
		return High, nil
	case meters <= 20:
		return Medium, nil
	default:
		return Low, nil
	}
}

// ParseResolution accepts either a class name or a ground sampling distance.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case High, Medium, Low:
		return r, nil
	}
	return ResolutionFromGSD(s)
}

// FromFootprint builds the passthrough layer used when real tiles are loaded with
// their own layer label instead of a layer table.
func FromFootprint(name string, resolution Resolution, tolerance float64) Layer {
	return Layer{Name: name, Resolution: resolution, Tolerance: tolerance}
}

func sortedKeys(m map[string]interface{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
