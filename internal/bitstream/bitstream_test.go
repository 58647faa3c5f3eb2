package bitstream

import "testing"

func TestWriterUE(t *testing.T) {
	w := NewWriter()
	w.WriteUE(0)
	w.WriteUE(1)
	w.WriteUE(2)
	w.FlushRBSP()
	if len(w.Bytes()) == 0 {
		t.Fatal("expected non-empty output")
	}
}

func TestScanAnnexBFindsSPSAndPPS(t *testing.T) {
	data := []byte{
		0, 0, 0, 1, 0x67, 0xAA, 0xBB, // SPS (type 7)
		0, 0, 0, 1, 0x68, 0xCC, // PPS (type 8)
		0, 0, 1, 0x65, 0xDD, 0xEE, // IDR slice (type 5), 3-byte start code
	}

	units := ScanAnnexB(data)
	if len(units) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(units))
	}
	if units[0].Type != NALTypeSPS {
		t.Errorf("unit 0 type = %d, want SPS", units[0].Type)
	}
	if units[1].Type != NALTypePPS {
		t.Errorf("unit 1 type = %d, want PPS", units[1].Type)
	}
	if units[2].Type != NALTypeIDR {
		t.Errorf("unit 2 type = %d, want IDR", units[2].Type)
	}
}

func TestExtractParameterSets(t *testing.T) {
	data := []byte{
		0, 0, 0, 1, 0x67, 0xAA, 0xBB,
		0, 0, 0, 1, 0x68, 0xCC,
		0, 0, 0, 1, 0x65, 0xDD,
	}
	sps, pps := ExtractParameterSets(data)
	if len(sps) == 0 || sps[0] != 0x67 {
		t.Errorf("sps = %v, want to start with 0x67", sps)
	}
	if len(pps) == 0 || pps[0] != 0x68 {
		t.Errorf("pps = %v, want to start with 0x68", pps)
	}
}
