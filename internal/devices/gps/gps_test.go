package gps

import "testing"

func TestNmeaToDecimal(t *testing.T) {
	cases := []struct {
		coord, hemi string
		want        float64
	}{
		{"3722.1192", "S", -(37 + 22.1192/60)},
		{"07313.2177", "W", -(73 + 13.2177/60)},
		{"", "N", 0},
	}
	for _, c := range cases {
		got := nmeaToDecimal(c.coord, c.hemi)
		if diff := got - c.want; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("nmeaToDecimal(%q,%q) = %v, want %v", c.coord, c.hemi, got, c.want)
		}
	}
}

func TestDefaultDecoderRMC(t *testing.T) {
	d := defaultDecoder{}
	line := "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	fix, ok := d.DecodeRMC(line)
	if !ok {
		t.Fatal("expected RMC to decode")
	}
	if fix.SpdOverGrnd != 22.4 || fix.TrueCourse != 84.4 {
		t.Errorf("unexpected fix: %+v", fix)
	}
	if fix.Latitude <= 0 || fix.Longitude <= 0 {
		t.Errorf("expected positive N/E coordinates, got %+v", fix)
	}
}

func TestDefaultDecoderRejectsInvalidFix(t *testing.T) {
	d := defaultDecoder{}
	line := "$GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	if _, ok := d.DecodeRMC(line); ok {
		t.Fatal("expected void-fix RMC sentence to be rejected")
	}
}

func TestDefaultDecoderGGA(t *testing.T) {
	d := defaultDecoder{}
	line := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	fix, ok := d.DecodeGGA(line)
	if !ok {
		t.Fatal("expected GGA to decode")
	}
	if fix.GPSQual != 1 || fix.NumSats != 8 {
		t.Errorf("unexpected fix: %+v", fix)
	}
}
