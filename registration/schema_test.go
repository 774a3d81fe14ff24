package registration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/registry"
)

func TestValidator_Registration(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name  string
		item  registry.Item
		valid bool
	}{
		{"complete", registry.Item{AdapterID: "a-1", Name: "A", Type: "core:Device", Properties: []string{"p"}}, true},
		{"missing name", registry.Item{AdapterID: "a-1", Type: "core:Device"}, false},
		{"missing adapterId", registry.Item{Name: "A", Type: "core:Device"}, false},
		{"comma in adapterId", registry.Item{AdapterID: "a,1", Name: "A", Type: "core:Device"}, false},
		{"comma in property", registry.Item{AdapterID: "a-1", Name: "A", Type: "core:Device", Properties: []string{"p,q"}}, false},
		{"repeated property", registry.Item{AdapterID: "a-1", Name: "A", Type: "core:Device", Properties: []string{"p", "p"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Registration(tt.item)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrInvalidData)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestValidator_UpdateNeedsOID(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	item := registry.Item{AdapterID: "a-1", Name: "A", Type: "core:Device"}
	assert.Error(t, v.Update(item))
	item.OID = "oid-1"
	assert.NoError(t, v.Update(item))
}
