// Package flighttrack reads and writes the FlightTrack XML document edited by
// operation members.
package flighttrack

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"

	"mscolab/api/internal/apperr"
)

type Waypoint struct {
	Lat         float64
	Lon         float64
	FlightLevel float64
	Location    string
	Comments    string
}

type FlightTrack struct {
	Version   string
	Waypoints []Waypoint
}

type wireTrack struct {
	XMLName xml.Name       `xml:"FlightTrack"`
	Version string         `xml:"version,attr,omitempty"`
	List    *wireWaypoints `xml:"ListOfWaypoints"`
}

type wireWaypoints struct {
	Waypoints []wireWaypoint `xml:"Waypoint"`
}

type wireWaypoint struct {
	Lat         string  `xml:"lat,attr"`
	Lon         string  `xml:"lon,attr"`
	FlightLevel string  `xml:"flightlevel,attr"`
	Location    string  `xml:"location,attr,omitempty"`
	Comments    *string `xml:"Comments"`
}

// Parse decodes and validates a flight track. Every failure is InvalidInput.
func Parse(content string) (FlightTrack, error) {
	if strings.TrimSpace(content) == "" {
		return FlightTrack{}, apperr.Invalid("empty flight track")
	}
	if _, err := Canonicalize(content); err != nil {
		return FlightTrack{}, err
	}

	var wire wireTrack
	if err := xml.Unmarshal([]byte(content), &wire); err != nil {
		return FlightTrack{}, apperr.Wrap(apperr.KindInvalidInput, err, "malformed flight track")
	}
	if wire.List == nil {
		return FlightTrack{}, apperr.Invalid("flight track has no ListOfWaypoints")
	}
	if len(wire.List.Waypoints) == 0 {
		return FlightTrack{}, apperr.Invalid("flight track has no waypoints")
	}

	track := FlightTrack{Version: wire.Version, Waypoints: make([]Waypoint, 0, len(wire.List.Waypoints))}
	for i, w := range wire.List.Waypoints {
		wp, err := w.decode()
		if err != nil {
			return FlightTrack{}, apperr.Invalid("waypoint %d: %s", i+1, err.Error())
		}
		track.Waypoints = append(track.Waypoints, wp)
	}
	return track, nil
}

// Validate reports whether content is a well-formed, semantically valid track.
func Validate(content string) error {
	_, err := Parse(content)
	return err
}

func (w wireWaypoint) decode() (Waypoint, error) {
	lat, err := parseCoord("lat", w.Lat, 90)
	if err != nil {
		return Waypoint{}, err
	}
	lon, err := parseCoord("lon", w.Lon, 180)
	if err != nil {
		return Waypoint{}, err
	}
	fl, err := parseFloat("flightlevel", w.FlightLevel)
	if err != nil {
		return Waypoint{}, err
	}
	if w.Comments == nil {
		return Waypoint{}, fmt.Errorf("missing Comments element")
	}
	return Waypoint{
		Lat:         lat,
		Lon:         lon,
		FlightLevel: fl,
		Location:    w.Location,
		Comments:    *w.Comments,
	}, nil
}

func parseCoord(name, raw string, limit float64) (float64, error) {
	v, err := parseFloat(name, raw)
	if err != nil {
		return 0, err
	}
	if v < -limit || v > limit {
		return 0, fmt.Errorf("%s %v out of range", name, v)
	}
	return v, nil
}

func parseFloat(name, raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// Serialize writes track as an indented UTF-8 document that Parse reads back
// to an equal value.
func Serialize(track FlightTrack) (string, error) {
	if len(track.Waypoints) == 0 {
		return "", apperr.Invalid("flight track has no waypoints")
	}
	wire := wireTrack{Version: track.Version, List: &wireWaypoints{}}
	for _, wp := range track.Waypoints {
		comments := wp.Comments
		wire.List.Waypoints = append(wire.List.Waypoints, wireWaypoint{
			Lat:         formatFloat(wp.Lat),
			Lon:         formatFloat(wp.Lon),
			FlightLevel: formatFloat(wp.FlightLevel),
			Location:    wp.Location,
			Comments:    &comments,
		})
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(wire); err != nil {
		return "", fmt.Errorf("encode flight track: %w", err)
	}
	buf.WriteByte('\n')
	return buf.String(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Stub is the content of a freshly created operation.
func Stub() string {
	out, err := Serialize(FlightTrack{
		Version: "1",
		Waypoints: []Waypoint{
			{Lat: 67.821, Lon: 20.336, FlightLevel: 0, Location: "Kiruna"},
			{Lat: 78.928, Lon: 11.986, FlightLevel: 0, Location: "Ny-Alesund"},
		},
	})
	if err != nil {
		panic(err)
	}
	return out
}
