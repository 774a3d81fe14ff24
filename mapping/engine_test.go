package mapping

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	fakes "github.com/AuroralH2020/auroral-node-agent/testutil"
)

const sampleTD = `{
  "id": "oid-1",
  "@type": "Thermometer",
  "properties": {
    "temperature": {"@type": ["Temperature", "AirTemperature"], "dataType": "float", "units": "celsius"},
    "humidity": {"@type": "Humidity"},
    "status": {}
  }
}`

type staticProps map[string][]string

func (s staticProps) Properties(_ context.Context, oid string) ([]string, error) {
	return s[oid], nil
}

type recordingCache struct{ puts map[string]bool }

func (r *recordingCache) Put(_ context.Context, oid string, _ json.RawMessage, remote bool) error {
	r.puts[oid] = remote
	return nil
}

type thingDoc struct {
	Context      string `json:"@context"`
	Type         string `json:"@type"`
	OID          string `json:"oid"`
	IID          string `json:"iid"`
	Measurements []struct {
		Type      string `json:"@type"`
		Value     string `json:"value"`
		DataType  string `json:"dataType"`
		Units     string `json:"units"`
		Timestamp string `json:"timestamp"`
	} `json:"measurements"`
}

func newEngine(t *testing.T, props staticProps) (*Engine, *fakes.FakeSemantic, *recordingCache) {
	t.Helper()
	kv, _ := fakes.NewKV(t)
	sem := fakes.NewFakeSemantic()
	cache := &recordingCache{puts: map[string]bool{}}
	return New(kv, sem, props, cache, nil), sem, cache
}

func TestGenerateMappings(t *testing.T) {
	e, _, _ := newEngine(t, nil)

	templates, err := e.GenerateMappings(json.RawMessage(sampleTD))
	require.NoError(t, err)
	require.Len(t, templates, 3)

	byIID := map[string]Template{}
	for _, tpl := range templates {
		assert.Equal(t, "oid-1", tpl.OID)
		byIID[tpl.IID] = tpl
	}

	tests := []struct {
		iid      string
		types    []string
		dataType string
		units    string
	}{
		{"temperature", []string{"Temperature", "AirTemperature"}, "float", "celsius"},
		{"humidity", []string{"Humidity"}, "undefined", "undefined"},
		{"status", []string{"undefined"}, "undefined", "undefined"},
	}
	for _, tt := range tests {
		t.Run(tt.iid, func(t *testing.T) {
			tpl, ok := byIID[tt.iid]
			require.True(t, ok)
			assert.Contains(t, tpl.Body, valuePlaceholder)
			assert.Contains(t, tpl.Body, timestampPlaceholder)

			var doc thingDoc
			require.NoError(t, json.Unmarshal([]byte(tpl.Body), &doc))
			assert.Equal(t, "Sensor", doc.Context)
			assert.Equal(t, "Thermometer", doc.Type)
			assert.Equal(t, tt.iid, doc.IID)
			require.Len(t, doc.Measurements, len(tt.types))
			for i, m := range doc.Measurements {
				assert.Equal(t, tt.types[i], m.Type)
				assert.Equal(t, tt.dataType, m.DataType)
				assert.Equal(t, tt.units, m.Units)
			}
		})
	}
}

func TestGenerateMappings_InvalidDescription(t *testing.T) {
	e, _, _ := newEngine(t, nil)

	_, err := e.GenerateMappings(json.RawMessage(`{"properties":{}}`))
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = e.GenerateMappings(json.RawMessage(`not json`))
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestRender_SubstitutesLiterals(t *testing.T) {
	e, sem, cache := newEngine(t, nil)
	sem.PutDescription("oid-1", sampleTD)
	ctx := context.Background()

	n, err := e.Load(ctx, "oid-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, map[string]bool{"oid-1": false}, cache.puts)

	out, err := e.Render(ctx, "oid-1", "temperature", "21.5", "2024-01-01T00:00:00Z")
	require.NoError(t, err)

	var doc thingDoc
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Len(t, doc.Measurements, 2)
	for _, m := range doc.Measurements {
		assert.Equal(t, "21.5", m.Value)
		assert.Equal(t, "2024-01-01T00:00:00Z", m.Timestamp)
	}
}

func TestRender_EscapesValues(t *testing.T) {
	e, sem, _ := newEngine(t, nil)
	sem.PutDescription("oid-1", sampleTD)
	ctx := context.Background()
	_, err := e.Load(ctx, "oid-1")
	require.NoError(t, err)

	out, err := e.Render(ctx, "oid-1", "humidity", `say "hi" \ {{x}}`, "now")
	require.NoError(t, err)

	var doc thingDoc
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, `say "hi" \ {{x}}`, doc.Measurements[0].Value)
}

func TestRender_DescriptionBracesStayLiteral(t *testing.T) {
	e, sem, _ := newEngine(t, nil)
	sem.PutDescription("oid-1", `{
  "id": "oid-1",
  "@type": "Meter {{#x}}",
  "properties": {
    "power": {"@type": "Power}}", "dataType": "{{{value}}}", "units": "{{=<% %>=}}kW"}
  }
}`)
	ctx := context.Background()
	_, err := e.Load(ctx, "oid-1")
	require.NoError(t, err)

	out, err := e.Render(ctx, "oid-1", "power", "3.2", "now")
	require.NoError(t, err)

	var doc thingDoc
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "Meter {{#x}}", doc.Type)
	require.Len(t, doc.Measurements, 1)
	m := doc.Measurements[0]
	assert.Equal(t, "Power}}", m.Type)
	assert.Equal(t, "{{{value}}}", m.DataType)
	assert.Equal(t, "{{=<% %>=}}kW", m.Units)
	assert.Equal(t, "3.2", m.Value)
	assert.Equal(t, "now", m.Timestamp)
}

func TestRender_NotFound(t *testing.T) {
	e, _, _ := newEngine(t, nil)

	_, err := e.Render(context.Background(), "oid-x", "temperature", "1", "now")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMappingNotFound)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestRender_Corrupted(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, e.Store(ctx, []Template{{OID: "oid-1", IID: "temp", Body: `{"value": {{{value}}}`}}))

	_, err := e.Render(ctx, "oid-1", "temp", "1", "now")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCorruptedMapping)
	assert.Equal(t, errs.KindCorruptedState, errs.KindOf(err))
}

func TestRenderArray(t *testing.T) {
	e, sem, _ := newEngine(t, nil)
	sem.PutDescription("oid-1", `{"id":"oid-1","properties":{"getAll":{"@type":"Reading"}}}`)
	ctx := context.Background()
	_, err := e.Load(ctx, "oid-1")
	require.NoError(t, err)

	payload := json.RawMessage(`[{"value": 1, "timestamp": "t1"}, "two", 3]`)
	out, err := e.RenderArray(ctx, "oid-1", "getAll", payload, "t0")
	require.NoError(t, err)

	var docs []thingDoc
	require.NoError(t, json.Unmarshal(out, &docs))
	require.Len(t, docs, 3)
	assert.Equal(t, "1", docs[0].Measurements[0].Value)
	assert.Equal(t, "t1", docs[0].Measurements[0].Timestamp)
	assert.Equal(t, "two", docs[1].Measurements[0].Value)
	assert.Equal(t, "t0", docs[1].Measurements[0].Timestamp)
	assert.Equal(t, "3", docs[2].Measurements[0].Value)

	_, err = e.RenderArray(ctx, "oid-1", "getAll", json.RawMessage(`{"value":1}`), "t0")
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestRemove(t *testing.T) {
	props := staticProps{"oid-1": {"temperature", "humidity"}}
	e, sem, _ := newEngine(t, props)
	sem.PutDescription("oid-1", sampleTD)
	ctx := context.Background()
	_, err := e.Load(ctx, "oid-1")
	require.NoError(t, err)

	require.NoError(t, e.Remove(ctx, "oid-1"))

	_, err = e.Render(ctx, "oid-1", "temperature", "1", "now")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	// status is not a declared property so its template stays
	_, err = e.Render(ctx, "oid-1", "status", "1", "now")
	assert.NoError(t, err)

	assert.NoError(t, e.Remove(ctx, "oid-none"), "no declared properties is a no-op")
}

func TestLoad_MissingDescription(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	_, err := e.Load(context.Background(), "missing")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "abc", ValueString(json.RawMessage(`"abc"`)))
	assert.Equal(t, "21.5", ValueString(json.RawMessage(` 21.5 `)))
	assert.Equal(t, `{"a":1}`, ValueString(json.RawMessage(`{"a":1}`)))
}
