package httpheader

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name, value string
		wantErr     bool
	}{
		{name: "Authorization", value: "Bearer abc"},
		{name: "X-Tenant", value: "ok\tvalue"},
		{name: "", value: "x", wantErr: true},
		{name: "X Tenant", value: "x", wantErr: true},
		{name: " X-Tenant", value: "x", wantErr: true},
		{name: "X-Tenant", value: "a\nb", wantErr: true},
		{name: "X-Tenant", value: "a\x01", wantErr: true},
		{name: "content-type", value: "text/plain", wantErr: true},
	}
	for _, tc := range tests {
		err := Validate(tc.name, tc.value)
		if tc.wantErr && err == nil {
			t.Fatalf("%q=%q: expected validation error", tc.name, tc.value)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%q=%q: unexpected error: %v", tc.name, tc.value, err)
		}
	}
}

func TestValidateMap(t *testing.T) {
	if err := ValidateMap(nil); err != nil {
		t.Fatalf("nil map: %v", err)
	}
	if err := ValidateMap(map[string]string{"X-A": "1", "Bad Name": "2"}); err == nil {
		t.Fatalf("expected error")
	}
}
