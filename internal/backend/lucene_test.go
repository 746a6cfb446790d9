package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-sigma/internal/sigma"
)

func fm(field string, values ...string) *sigma.FieldMatch {
	return &sigma.FieldMatch{Field: field, Values: values}
}

func TestConvertExpr(t *testing.T) {
	tests := []struct {
		name string
		expr sigma.Expr
		want string
	}{
		{
			name: "single value",
			expr: fm("EventID", "1"),
			want: "EventID:1",
		},
		{
			name: "value list",
			expr: fm("User", "alice", "bob"),
			want: "User:(alice OR bob)",
		},
		{
			name: "all modifier",
			expr: &sigma.FieldMatch{Field: "CommandLine", Modifiers: []string{"contains", "all"}, Values: []string{"-nop", "-w hidden"}},
			want: `CommandLine:(*\-nop* AND *\-w\ hidden*)`,
		},
		{
			name: "endswith escapes backslash",
			expr: &sigma.FieldMatch{Field: "Image", Modifiers: []string{"endswith"}, Values: []string{`\cmd.exe`}},
			want: `Image:*\\cmd.exe`,
		},
		{
			name: "startswith",
			expr: &sigma.FieldMatch{Field: "Path", Modifiers: []string{"startswith"}, Values: []string{`C:\Temp`}},
			want: `Path:C\:\\Temp*`,
		},
		{
			name: "wildcards kept",
			expr: fm("Image", `*\rundll3?.exe`),
			want: `Image:*\\rundll3?.exe`,
		},
		{
			name: "escaped wildcard is literal",
			expr: fm("Name", `what\?`),
			want: `Name:what\?`,
		},
		{
			name: "regex",
			expr: &sigma.FieldMatch{Field: "Url", Modifiers: []string{"re"}, Values: []string{`https?://evil\.com/.*`}},
			want: `Url:/https?:\/\/evil\.com\/.*/`,
		},
		{
			name: "cidr",
			expr: &sigma.FieldMatch{Field: "DestinationIp", Modifiers: []string{"cidr"}, Values: []string{"10.0.0.0/8"}},
			want: `DestinationIp:10.0.0.0\/8`,
		},
		{
			name: "null",
			expr: &sigma.FieldMatch{Field: "ParentImage", Null: true},
			want: "NOT _exists_:ParentImage",
		},
		{
			name: "null or value",
			expr: &sigma.FieldMatch{Field: "User", Null: true, Values: []string{""}},
			want: `NOT _exists_:User OR User:""`,
		},
		{
			name: "exists",
			expr: &sigma.FieldMatch{Field: "Hashes", Modifiers: []string{"exists"}, Values: []string{"true"}},
			want: "_exists_:Hashes",
		},
		{
			name: "keywords",
			expr: fm("", "mimikatz", "sekurlsa"),
			want: "(mimikatz OR sekurlsa)",
		},
		{
			name: "and of or",
			expr: &sigma.AndExpr{X: []sigma.Expr{fm("A", "1"), &sigma.OrExpr{X: []sigma.Expr{fm("B", "2"), fm("C", "3")}}}},
			want: "A:1 AND (B:2 OR C:3)",
		},
		{
			name: "or of and",
			expr: &sigma.OrExpr{X: []sigma.Expr{&sigma.AndExpr{X: []sigma.Expr{fm("A", "1"), fm("B", "2")}}, fm("C", "3")}},
			want: "(A:1 AND B:2) OR C:3",
		},
		{
			name: "not of group",
			expr: &sigma.AndExpr{X: []sigma.Expr{fm("A", "1"), &sigma.NotExpr{X: &sigma.OrExpr{X: []sigma.Expr{fm("B", "2"), fm("C", "3")}}}}},
			want: "A:1 AND NOT (B:2 OR C:3)",
		},
		{
			name: "nested and flattens",
			expr: &sigma.AndExpr{X: []sigma.Expr{fm("A", "1"), &sigma.AndExpr{X: []sigma.Expr{fm("B", "2"), fm("C", "3")}}}},
			want: "A:1 AND B:2 AND C:3",
		},
		{
			name: "single child group",
			expr: &sigma.AndExpr{X: []sigma.Expr{&sigma.OrExpr{X: []sigma.Expr{fm("B", "2"), fm("C", "3")}}}},
			want: "B:2 OR C:3",
		},
		{
			name: "field name with space",
			expr: fm("Event Data", "x"),
			want: `Event\ Data:x`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvertExpr(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertExpr_Errors(t *testing.T) {
	_, err := ConvertExpr(&sigma.AndExpr{})
	assert.Error(t, err)

	_, err = ConvertExpr(&sigma.FieldMatch{Modifiers: []string{"exists"}, Values: []string{"true"}})
	assert.Error(t, err)

	_, err = ConvertExpr(nil)
	assert.Error(t, err)
}
