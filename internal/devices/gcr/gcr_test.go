package gcr

import (
	"testing"
)

func newTestGCR(t *testing.T, numCpu int) *Device {
	t.Helper()
	d, err := New(DefaultBase, numCpu, 0x1BDC0000)
	if err != nil {
		t.Fatalf("new gcr: %v", err)
	}
	return d
}

func readReg(t *testing.T, d *Device, offset uint64) uint64 {
	t.Helper()
	data := make([]byte, 4)
	if err := d.ReadMMIO(nil, DefaultBase+offset, data); err != nil {
		t.Fatalf("read offset 0x%x: %v", offset, err)
	}
	var val uint64
	for i := range data {
		val |= uint64(data[i]) << (i * 8)
	}
	return val
}

func writeReg(t *testing.T, d *Device, offset uint64, value uint64) {
	t.Helper()
	data := make([]byte, 4)
	for i := range data {
		data[i] = byte(value >> (i * 8))
	}
	if err := d.WriteMMIO(nil, DefaultBase+offset, data); err != nil {
		t.Fatalf("write offset 0x%x: %v", offset, err)
	}
}

func TestIdentificationRegisters(t *testing.T) {
	d := newTestGCR(t, 4)

	cases := []struct {
		name   string
		offset uint64
		want   uint64
	}{
		{name: "global config", offset: gcbGlobalConfigOfs, want: 0},
		{name: "gcr base", offset: gcbBaseOfs, want: DefaultBase},
		{name: "revision", offset: gcbRevisionOfs, want: revision},
		{name: "gic base", offset: gcbGICBaseOfs, want: 0x1BDC0000 | 1},
		{name: "gic status", offset: gcbGICStatusOfs, want: gicStatusExtant},
		{name: "cpc status", offset: gcbCPCStatusOfs, want: 0},
		{name: "l2 config", offset: gcbL2ConfigOfs, want: l2ConfigBypass},
		{name: "local cluster config", offset: clcbOfs + ccbConfigOfs, want: 3},
		{name: "other cluster config", offset: cocbOfs + ccbConfigOfs, want: 3},
		{name: "local other", offset: clcbOfs + ccbOtherOfs, want: 0},
		{name: "unimplemented", offset: 0x1000, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := readReg(t, d, tc.offset); got != tc.want {
				t.Fatalf("offset 0x%x: got 0x%x, want 0x%x", tc.offset, got, tc.want)
			}
		})
	}
}

func TestGICBaseWritable(t *testing.T) {
	d := newTestGCR(t, 1)

	writeReg(t, d, gcbGICBaseOfs, 0x1F000001)
	if got := readReg(t, d, gcbGICBaseOfs); got != 0x1F000001 {
		t.Fatalf("gic base after write: 0x%x", got)
	}
}

func TestOtherWritesDropped(t *testing.T) {
	d := newTestGCR(t, 2)

	writeReg(t, d, gcbRevisionOfs, 0xFFFF)
	if got := readReg(t, d, gcbRevisionOfs); got != revision {
		t.Fatalf("revision disturbed by write: 0x%x", got)
	}
}

func TestAccessChecks(t *testing.T) {
	d := newTestGCR(t, 1)

	if err := d.ReadMMIO(nil, DefaultBase+AddrSpaceSize, make([]byte, 4)); err == nil {
		t.Fatalf("expected read past window rejected")
	}
	if err := d.ReadMMIO(nil, DefaultBase, make([]byte, 5)); err == nil {
		t.Fatalf("expected 5-byte read rejected")
	}
	if _, err := New(DefaultBase, 0, 0); err == nil {
		t.Fatalf("expected zero-cpu construction rejected")
	}
}
