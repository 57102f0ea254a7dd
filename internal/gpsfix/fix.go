// Package gpsfix is the shared GPS fix record carried as the payload of
// a GPS agent's DATA message and consumed by the segmentation engine and
// the coordinator. Column set and order match the GPS segment file
// header spec.md §6 specifies exactly.
package gpsfix

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Fix is one successful RMC update, with the distance travelled since
// the previous fix already folded in (the original driver's geodesic
// inverse result, recomputed here in internal/geo).
type Fix struct {
	SysTimestamp    float64 `yaml:"sys_timestamp"`
	DistanceDelta   float64 `yaml:"distance_delta"`
	Latitude        float64 `yaml:"latitude"`
	Longitude       float64 `yaml:"longitude"`
	Timestamp       string  `yaml:"timestamp"`
	SpdOverGrnd     float64 `yaml:"spd_over_grnd"`
	TrueCourse      float64 `yaml:"true_course"`
	GPSQual         int     `yaml:"gps_qual"`
	NumSats         int     `yaml:"num_sats"`
	HorizontalDil   float64 `yaml:"horizontal_dil"`
}

// Header is the GPS segment file's CSV header, spec.md §6 verbatim.
const Header = "sys_timestamp;distance_delta;latitude;longitude;timestamp;spd_over_grnd;true_course;gps_qual;num_sats;horizontal_dil"

// CSVRow formats the fix as one semicolon-separated row (no terminator).
func (f Fix) CSVRow() string {
	return fmt.Sprintf("%.3f;%.3f;%.7f;%.7f;%s;%.3f;%.3f;%d;%d;%.2f",
		f.SysTimestamp, f.DistanceDelta, f.Latitude, f.Longitude, f.Timestamp,
		f.SpdOverGrnd, f.TrueCourse, f.GPSQual, f.NumSats, f.HorizontalDil)
}

// ToArg converts the fix to the polymorphic arg a DATA message carries.
// Round-tripping through YAML keeps the wire shape identical to what the
// codec would produce for any other map-valued arg.
func (f Fix) ToArg() (any, error) {
	b, err := yaml.Marshal(f)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromArg decodes a DATA message's polymorphic arg back into a Fix. The
// arg may be map[string]any or map[any]any depending on how it travelled
// through the codec.
func FromArg(arg any) (Fix, error) {
	b, err := yaml.Marshal(arg)
	if err != nil {
		return Fix{}, err
	}
	var f Fix
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Fix{}, err
	}
	return f, nil
}
