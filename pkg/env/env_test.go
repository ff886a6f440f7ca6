package env

import (
	"os"
	"testing"
)

func TestGetenvHexRoundTrip(t *testing.T) {
	const name = "XNUBOOT_TEST_RAMDISK_ADDR"
	defer os.Unsetenv(name)

	if _, ok := GetenvHex(name); ok {
		t.Fatalf("GetenvHex(%s) ok before set", name)
	}
	if err := SetenvHex(name, 0x84000000); err != nil {
		t.Fatalf("SetenvHex: %v", err)
	}
	if !Has(name) {
		t.Fatalf("Has(%s) = false after SetenvHex", name)
	}
	got, ok := GetenvHex(name)
	if !ok || got != 0x84000000 {
		t.Fatalf("GetenvHex(%s) = %#x, %v; want 0x84000000, true", name, got, ok)
	}
}

func TestGetenvHexRejectsMalformed(t *testing.T) {
	const name = "XNUBOOT_TEST_BAD_HEX"
	os.Setenv(name, "not-a-number")
	defer os.Unsetenv(name)

	if _, ok := GetenvHex(name); ok {
		t.Fatalf("GetenvHex(%s) ok for malformed value", name)
	}
}
