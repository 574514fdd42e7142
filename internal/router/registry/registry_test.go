package registry

import "testing"

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"AAPL MSFT", []string{"AAPL", "MSFT"}},
		{`  AAPL   MSFT  `, []string{"AAPL", "MSFT"}},
		{`"hello world" foo`, []string{"hello world", "foo"}},
		{`'single quoted' bar`, []string{"single quoted", "bar"}},
		{`unterminated "quote here`, []string{"unterminated", "quote here"}},
		{"", nil},
	}
	for _, c := range cases {
		got := Tokenize(c.in)
		if len(got) != len(c.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", c.in, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("Tokenize(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}

func TestCoerce_Number(t *testing.T) {
	field := ArgField{Name: "qty", Type: FieldNumber}
	got, err := Coerce(field, "1,5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "1.5" {
		t.Errorf("Coerce(%q) = %q, want %q", "1,5", got, "1.5")
	}
}

func TestCoerce_Percent(t *testing.T) {
	field := ArgField{Name: "stock_pct", Type: FieldPercent}
	got, err := Coerce(field, "60%")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "60" {
		t.Errorf("Coerce(%q) = %q, want %q", "60%", got, "60")
	}
}

func TestCoerce_IntegerTruncates(t *testing.T) {
	field := ArgField{Name: "limit", Type: FieldInteger}
	got, err := Coerce(field, "9.8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "9" {
		t.Errorf("Coerce(%q) = %q, want %q", "9.8", got, "9")
	}
}

func TestCoerce_RangeError(t *testing.T) {
	max := 100.0
	field := ArgField{Name: "stock_pct", Type: FieldPercent, Max: &max}
	if _, err := Coerce(field, "150"); err == nil {
		t.Error("expected a range error for a value above max")
	}
}

func TestCoerce_EnumRejectsUnknown(t *testing.T) {
	field := ArgField{Name: "asset_class", Type: FieldEnum, Values: []string{"stock", "etf", "crypto"}}
	if _, err := Coerce(field, "bond"); err == nil {
		t.Error("expected an error for a value not in the enum")
	}
	got, err := Coerce(field, "etf")
	if err != nil || got != "etf" {
		t.Errorf("Coerce(etf) = (%q, %v), want (etf, nil)", got, err)
	}
}

func TestValidate_FillsFromTokensThenPrior(t *testing.T) {
	schema := []ArgField{
		{Name: "symbol", Type: FieldString, Required: true},
		{Name: "qty", Type: FieldNumber, Required: true},
	}
	result := Validate("add", schema, []string{"aapl"}, map[string]string{"qty": "10"})
	if result.Values["symbol"] != "AAPL" {
		t.Errorf("symbol should be uppercased for add, got %q", result.Values["symbol"])
	}
	if result.Values["qty"] != "10" {
		t.Errorf("qty should fall back to priorGot, got %q", result.Values["qty"])
	}
	if len(result.MissingFrom) != 0 {
		t.Errorf("expected no missing fields, got %v", result.MissingFrom)
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	schema := []ArgField{{Name: "symbol", Type: FieldString, Required: true}}
	result := Validate("price", schema, nil, nil)
	if len(result.MissingFrom) != 1 || result.MissingFrom[0] != "symbol" {
		t.Errorf("expected symbol reported missing, got %v", result.MissingFrom)
	}
}

func TestValidate_ManyCapsAtMaxItems(t *testing.T) {
	schema := []ArgField{{Name: "symbols", Type: FieldString, Many: true, Required: true, MinItems: 1, MaxItems: 2}}
	result := Validate("price", schema, []string{"aapl", "msft", "tsla"}, nil)
	if result.Values["symbols"] != "aapl msft" {
		t.Errorf("expected symbols capped at max_items=2, got %q", result.Values["symbols"])
	}
}
