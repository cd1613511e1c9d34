package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "Name", want: "name"},
		{in: "Phone Number (mobile)", want: "phone_number"},
		{in: "  E-mail   Address ", want: "e_mail_address"},
		{in: "Qty(pcs) Left", want: "qty_left"},
		{in: "_version", want: "_version"},
		{in: "Città", want: "citt_"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HeaderKey(tt.in))
		})
	}
}

func TestFieldsMergeKeepsOrderAndDoesNotAlias(t *testing.T) {
	t.Parallel()

	base := Fields{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}
	got := base.Merge(Fields{{Name: "b", Value: "20"}, {Name: "c", Value: "3"}})

	assert.Equal(t, Fields{{Name: "a", Value: "1"}, {Name: "b", Value: "20"}, {Name: "c", Value: "3"}}, got)
	assert.Equal(t, "2", base[1].Value)
}

func TestFieldsEqualIgnoresOrder(t *testing.T) {
	t.Parallel()

	a := Fields{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}
	b := Fields{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(Fields{{Name: "a", Value: "1"}}))
	assert.False(t, a.Equal(Fields{{Name: "a", Value: "1"}, {Name: "b", Value: "3"}}))
}

func TestRecordCloneIsDeep(t *testing.T) {
	t.Parallel()

	r := Record{Key: "k", Fields: Fields{{Name: "a", Value: "1"}}}
	c := r.Clone()
	c.Fields[0].Value = "changed"
	assert.Equal(t, "1", r.Fields[0].Value)
}

func TestPick(t *testing.T) {
	t.Parallel()

	fs := Fields{{Name: "a", Value: "1"}}
	assert.Equal(t, Fields{{Name: "b", Value: ""}, {Name: "a", Value: "1"}}, fs.Pick([]string{"b", "a"}))
}
