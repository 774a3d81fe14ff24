// Package mapping turns the property metadata of a Thing Description into
// reusable measurement templates and renders adapter values through them.
//
// Templates are mustache documents stored in the hash mapping:<oid>, one
// field per interaction id. Each carries {{{value}}} and {{{timestamp}}}
// placeholders filled at request time.
package mapping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cbroglie/mustache"
	"golang.org/x/sync/errgroup"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/kvstore"
)

const (
	component = "mapping"
	keyPrefix = "mapping:"
	undefined = "undefined"

	valuePlaceholder     = "{{{value}}}"
	timestampPlaceholder = "{{{timestamp}}}"
)

// Template is the rendering template of one interaction of one object.
type Template struct {
	OID  string
	IID  string
	Body string
}

// DescriptionSource provides the Thing Description of a local object.
type DescriptionSource interface {
	RetrieveDescription(ctx context.Context, oid string) (json.RawMessage, error)
}

// PropertySource lists the properties an object declares in its registration.
type PropertySource interface {
	Properties(ctx context.Context, oid string) ([]string, error)
}

// DescriptionWriter receives every description used to build templates.
type DescriptionWriter interface {
	Put(ctx context.Context, oid string, doc json.RawMessage, remote bool) error
}

// Engine generates, stores and renders templates.
type Engine struct {
	kv     kvstore.Store
	tds    DescriptionSource
	props  PropertySource
	cache  DescriptionWriter
	logger *slog.Logger
}

// New creates an engine. cache may be nil.
func New(kv kvstore.Store, tds DescriptionSource, props PropertySource, cache DescriptionWriter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{kv: kv, tds: tds, props: props, cache: cache, logger: logger.With("component", component)}
}

func hashKey(oid string) string { return keyPrefix + oid }

type thing struct {
	ID         string                     `json:"id"`
	Type       json.RawMessage            `json:"@type"`
	Properties map[string]json.RawMessage `json:"properties"`
}

type property struct {
	Type     json.RawMessage `json:"@type"`
	DataType string          `json:"dataType"`
	WoTType  string          `json:"type"`
	Units    string          `json:"units"`
	Unit     string          `json:"unit"`
}

// typeList coerces a string or list @type into a list.
func typeList(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil
		}
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return undefined
}

// literal is a description-supplied string. Its braces are written as JSON
// unicode escapes so mustache never reads them as tags.
type literal string

func (l literal) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(string(l)); err != nil {
		return nil, err
	}
	out := bytes.TrimSpace(buf.Bytes())
	out = bytes.ReplaceAll(out, []byte("{"), []byte(`\u007b`))
	return bytes.ReplaceAll(out, []byte("}"), []byte(`\u007d`)), nil
}

type measurement struct {
	Type      literal `json:"@type"`
	Value     string  `json:"value"`
	DataType  literal `json:"dataType"`
	Units     literal `json:"units"`
	Timestamp string  `json:"timestamp"`
}

type thingMapping struct {
	Context      string        `json:"@context"`
	Type         literal       `json:"@type"`
	OID          literal       `json:"oid"`
	IID          literal       `json:"iid"`
	Measurements []measurement `json:"measurements"`
}

func marshalTemplate(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// GenerateMappings builds one template per property of td. Each property
// yields one measurement per declared semantic type; missing types default
// to ["undefined"] and missing data types and units to "undefined".
func (e *Engine) GenerateMappings(td json.RawMessage) ([]Template, error) {
	var doc thing
	if err := json.Unmarshal(td, &doc); err != nil {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrInvalidData, err), component,
			"GenerateMappings", "parse thing description")
	}
	if doc.ID == "" {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: thing description without id", errs.ErrInvalidData),
			component, "GenerateMappings", "read thing id")
	}

	iids := make([]string, 0, len(doc.Properties))
	for iid := range doc.Properties {
		iids = append(iids, iid)
	}
	sort.Strings(iids)

	thingType := strings.Join(typeList(doc.Type), ",")
	out := make([]Template, 0, len(iids))
	for _, iid := range iids {
		var prop property
		if err := json.Unmarshal(doc.Properties[iid], &prop); err != nil {
			return nil, errs.WrapInvalid(fmt.Errorf("%w: property %s: %v", errs.ErrInvalidData, iid, err),
				component, "GenerateMappings", "parse property")
		}
		types := typeList(prop.Type)
		if len(types) == 0 {
			types = []string{undefined}
		}
		measurements := make([]measurement, 0, len(types))
		for _, t := range types {
			measurements = append(measurements, measurement{
				Type:      literal(t),
				Value:     valuePlaceholder,
				DataType:  literal(firstNonEmpty(prop.DataType, prop.WoTType)),
				Units:     literal(firstNonEmpty(prop.Units, prop.Unit)),
				Timestamp: timestampPlaceholder,
			})
		}
		body, err := marshalTemplate(thingMapping{
			Context:      "Sensor",
			Type:         literal(thingType),
			OID:          literal(doc.ID),
			IID:          literal(iid),
			Measurements: measurements,
		})
		if err != nil {
			return nil, errs.WrapInvalid(err, component, "GenerateMappings", "encode template")
		}
		out = append(out, Template{OID: doc.ID, IID: iid, Body: body})
	}
	return out, nil
}

// Store persists templates, grouped per object in one atomic write.
func (e *Engine) Store(ctx context.Context, templates []Template) error {
	byOID := map[string]map[string]string{}
	for _, t := range templates {
		if byOID[t.OID] == nil {
			byOID[t.OID] = map[string]string{}
		}
		byOID[t.OID][t.IID] = t.Body
	}
	err := e.kv.Atomic(ctx, func(b kvstore.Batch) {
		for oid, fields := range byOID {
			b.HSet(hashKey(oid), fields)
		}
	})
	if err != nil {
		return errs.Wrap(err, component, "Store", "store templates")
	}
	return nil
}

// Load fetches the description of oid, caches it and stores its templates.
// It returns the number of templates stored.
func (e *Engine) Load(ctx context.Context, oid string) (int, error) {
	td, err := e.tds.RetrieveDescription(ctx, oid)
	if err != nil {
		return 0, errs.Wrap(err, component, "Load", "retrieve description of "+oid)
	}
	if len(td) == 0 {
		return 0, errs.WrapKind(fmt.Errorf("%w: no description for %s", errs.ErrObjectNotFound, oid),
			errs.KindNotFound, component, "Load", "retrieve description")
	}
	templates, err := e.GenerateMappings(td)
	if err != nil {
		return 0, err
	}
	if err := e.Store(ctx, templates); err != nil {
		return 0, err
	}
	if e.cache != nil {
		if err := e.cache.Put(ctx, oid, td, false); err != nil {
			e.logger.Warn("Description not cached", "oid", oid, "error", err)
		}
	}
	e.logger.Debug("Mappings stored", "oid", oid, "count", len(templates))
	return len(templates), nil
}

// LoadAll loads every object concurrently. Failures are logged and counted.
func (e *Engine) LoadAll(ctx context.Context, oids []string) (failed int) {
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(8)
	for _, oid := range oids {
		g.Go(func() error {
			if _, err := e.Load(ctx, oid); err != nil {
				e.logger.Warn("Mapping load failed", "oid", oid, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// escape makes s safe inside a JSON string literal.
func escape(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted[1 : len(quoted)-1])
}

// Render fills the template of (oid, iid) with value and timestamp.
func (e *Engine) Render(ctx context.Context, oid, iid, value, timestamp string) (json.RawMessage, error) {
	tpl, ok, err := e.kv.HGet(ctx, hashKey(oid), iid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.WrapKind(fmt.Errorf("%w: %s/%s", errs.ErrMappingNotFound, oid, iid),
			errs.KindNotFound, component, "Render", "load template")
	}
	return render(tpl, oid, iid, value, timestamp)
}

func render(tpl, oid, iid, value, timestamp string) (json.RawMessage, error) {
	out, err := mustache.Render(tpl, map[string]string{
		"value":     escape(value),
		"timestamp": escape(timestamp),
	})
	if err != nil || !json.Valid([]byte(out)) {
		cause := err
		if cause == nil {
			cause = fmt.Errorf("rendered template is not JSON")
		}
		return nil, errs.WrapKind(fmt.Errorf("%w: %s/%s: %v", errs.ErrCorruptedMapping, oid, iid, cause),
			errs.KindCorruptedState, component, "Render", "render template")
	}
	return json.RawMessage(out), nil
}

// ValueString turns a raw adapter value into the text substituted for
// {{{value}}}: strings lose their quotes, anything else keeps its JSON form.
func ValueString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// RenderArray renders every element of a JSON array payload. Elements are
// either {"value":..,"timestamp":..} objects or bare values, which use the
// given timestamp. The result is a JSON array of rendered documents.
func (e *Engine) RenderArray(
	ctx context.Context, oid, iid string, payload json.RawMessage, timestamp string,
) (json.RawMessage, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(payload, &elements); err != nil {
		return nil, errs.WrapInvalid(fmt.Errorf("%w: array payload expected", errs.ErrInvalidData),
			component, "RenderArray", "parse payload")
	}
	tpl, ok, err := e.kv.HGet(ctx, hashKey(oid), iid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.WrapKind(fmt.Errorf("%w: %s/%s", errs.ErrMappingNotFound, oid, iid),
			errs.KindNotFound, component, "RenderArray", "load template")
	}

	rendered := make([]json.RawMessage, 0, len(elements))
	for _, el := range elements {
		value, ts := ValueString(el), timestamp
		var obj struct {
			Value     json.RawMessage `json:"value"`
			Timestamp string          `json:"timestamp"`
		}
		if bytes.HasPrefix(bytes.TrimSpace(el), []byte("{")) && json.Unmarshal(el, &obj) == nil && obj.Value != nil {
			value = ValueString(obj.Value)
			if obj.Timestamp != "" {
				ts = obj.Timestamp
			}
		}
		doc, err := render(tpl, oid, iid, value, ts)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, doc)
	}
	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, errs.WrapInvalid(err, component, "RenderArray", "encode result")
	}
	return out, nil
}

// Remove deletes the templates of every property oid declares. An object
// without declared properties is left untouched.
func (e *Engine) Remove(ctx context.Context, oid string) error {
	props, err := e.props.Properties(ctx, oid)
	if err != nil {
		return errs.Wrap(err, component, "Remove", "read properties of "+oid)
	}
	if len(props) == 0 {
		return nil
	}
	if err := e.kv.HDel(ctx, hashKey(oid), props...); err != nil {
		return errs.Wrap(err, component, "Remove", "delete templates of "+oid)
	}
	e.logger.Debug("Mappings removed", "oid", oid, "count", len(props))
	return nil
}
