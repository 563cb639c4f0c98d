package store

import (
	"testing"
	"time"
)

func TestToPgText(t *testing.T) {
	if v := ToPgText("serum"); !v.Valid || v.String != "serum" {
		t.Errorf("ToPgText(serum) = %+v", v)
	}
	for _, s := range []string{"", "   "} {
		if v := ToPgText(s); v.Valid {
			t.Errorf("ToPgText(%q).Valid = true, want NULL", s)
		}
	}
}

func TestToPgDate(t *testing.T) {
	v := ToPgDate("2023-05-17")
	if !v.Valid {
		t.Fatal("ToPgDate(2023-05-17) is NULL")
	}
	if want := time.Date(2023, 5, 17, 0, 0, 0, 0, time.UTC); !v.Time.Equal(want) {
		t.Errorf("ToPgDate time = %v, want %v", v.Time, want)
	}

	// Only the canonical layout is accepted here; the normalizer upstream
	// owns all other spellings.
	for _, s := range []string{"", "17.05.2023", "45063", "not a date"} {
		if v := ToPgDate(s); v.Valid {
			t.Errorf("ToPgDate(%q).Valid = true, want NULL", s)
		}
	}
}

func TestToPgNumeric(t *testing.T) {
	if v := ToPgNumeric("250.5"); !v.Valid {
		t.Error("ToPgNumeric(250.5) is NULL")
	}
	for _, s := range []string{"", "5 ml"} {
		if v := ToPgNumeric(s); v.Valid {
			t.Errorf("ToPgNumeric(%q).Valid = true, want NULL", s)
		}
	}
}

func TestToPgBool(t *testing.T) {
	if v := ToPgBool("true"); !v.Valid || !v.Bool {
		t.Errorf("ToPgBool(true) = %+v", v)
	}
	if v := ToPgBool("false"); !v.Valid || v.Bool {
		t.Errorf("ToPgBool(false) = %+v", v)
	}
	// Raw vocabulary never reaches this layer.
	for _, s := range []string{"", "yes", "1"} {
		if v := ToPgBool(s); v.Valid {
			t.Errorf("ToPgBool(%q).Valid = true, want NULL", s)
		}
	}
}

func TestToPgInt8(t *testing.T) {
	if v := ToPgInt8("39552"); !v.Valid || v.Int64 != 39552 {
		t.Errorf("ToPgInt8(39552) = %+v", v)
	}
	for _, s := range []string{"", "46.0", "x"} {
		if v := ToPgInt8(s); v.Valid {
			t.Errorf("ToPgInt8(%q).Valid = true, want NULL", s)
		}
	}
}
