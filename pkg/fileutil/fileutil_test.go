package fileutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteTempFile(t *testing.T) {
	txt := []byte("hello world")
	p, err := WriteTempFile(txt)
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(p)

	if !Exist(p) {
		t.Fatalf("%q expected to exist", p)
	}

	d, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(txt, d) {
		t.Fatalf("expected %q, got %q", string(txt), string(d))
	}
}

func TestCopyAppend(t *testing.T) {
	src, err := WriteTempFile([]byte("epoch 0 loss 1.234\n"))
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(src)

	dst := filepath.Join(t.TempDir(), "log.txt")
	if err = CopyAppend(src, dst); err != nil {
		t.Fatal(err)
	}
	if err = CopyAppend(src, dst); err != nil {
		t.Fatal(err)
	}

	d, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(d, []byte("epoch 0 loss 1.234\nepoch 0 loss 1.234\n")) {
		t.Fatalf("unexpected appended contents %q", string(d))
	}
}

func TestEnsureExecutable(t *testing.T) {
	p, err := WriteToTempDir("launch.sh", []byte("#!/bin/bash\necho hello\n"))
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(p)

	if err = EnsureExecutable(p); err != nil {
		t.Fatal(err)
	}
	s, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode()&0111 == 0 {
		t.Fatalf("expected executable bits on %q, got %v", p, s.Mode())
	}
}
