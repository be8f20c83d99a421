package ctrlsock

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/vusb-project/vusb/internal/vlog"
)

type fakeReport struct {
	status    []byte
	evicted   []uint32
	evictErr  error
}

func (f *fakeReport) FormatStatus() []byte { return f.status }

func (f *fakeReport) Evict(localID uint32) error {
	if f.evictErr != nil {
		return f.evictErr
	}
	f.evicted = append(f.evicted, localID)
	return nil
}

func TestStatusAndEvictRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ctrl.sock")
	report := &fakeReport{status: []byte("vusbd: running\n")}

	srv, err := Start(sock, report, vlog.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	got, err := RetrieveStatus(sock)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "vusbd: running\n" {
		t.Fatalf("status = %q", got)
	}

	if err := Evict(sock, 3); err != nil {
		t.Fatal(err)
	}
	if len(report.evicted) != 1 || report.evicted[0] != 3 {
		t.Fatalf("evicted = %v", report.evicted)
	}
}

func TestEvictPropagatesError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ctrl.sock")
	report := &fakeReport{evictErr: errors.New("no such device")}

	srv, err := Start(sock, report, vlog.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	err = Evict(sock, 9)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDialMissingSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "missing.sock")
	_, err := RetrieveStatus(sock)
	if err == nil {
		t.Fatal("expected error dialing a missing socket")
	}
}
