package omniuri

import (
	"errors"
	"strings"
	"testing"
)

const helloWorldMD5 = "5eb63bbbe01eeed093cb22bb8f5acdc3"

func TestMD5(t *testing.T) {
	if got := MD5Bytes([]byte("hello world")); got != helloWorldMD5 {
		t.Errorf("MD5Bytes() = %s, want %s", got, helloWorldMD5)
	}
	if got := MD5Bytes(nil); got != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("MD5Bytes(nil) = %s", got)
	}

	got, err := MD5Reader(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("MD5Reader failed: %v", err)
	}
	if got != helloWorldMD5 {
		t.Errorf("MD5Reader() = %s, want %s", got, helloWorldMD5)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, ErrTransient }

func TestMD5ReaderError(t *testing.T) {
	if _, err := MD5Reader(errReader{}); !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

func TestParseMD5(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{helloWorldMD5, helloWorldMD5},
		{" 5EB63BBBE01EEED093CB22BB8F5ACDC3\n", helloWorldMD5},
		{"5eb63bbbe01eeed093cb22bb8f5acdc", ""},
		{"zzb63bbbe01eeed093cb22bb8f5acdc3", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseMD5(tt.in); got != tt.want {
			t.Errorf("ParseMD5(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
