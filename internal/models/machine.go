// machine.go - Machine identity types and device-code mapping tables
package models

import "fmt"

// HeadType classifies the attached working module.
type HeadType string

const (
	HeadTypePrinting HeadType = "printing"
	HeadTypeLaser    HeadType = "laser"
	HeadTypeCNC      HeadType = "cnc"
	HeadTypeUnknown  HeadType = "unknown"
)

// ToolHead identifies the specific hardware variant of the working module.
type ToolHead string

const (
	ToolHeadSingleExtruder ToolHead = "singleExtruderToolheadForSM2"
	ToolHeadDualExtruder   ToolHead = "dualExtruderToolheadForSM2"
	ToolHeadStandardCNC    ToolHead = "standardCNCToolheadForSM2"
	ToolHeadLaser1600mW    ToolHead = "levelOneLaserToolheadForSM2"
	ToolHeadLaser10W       ToolHead = "levelTwoLaserToolheadForSM2"
	ToolHeadUnknown        ToolHead = "unknown"
)

// MachineSeries identifies the hardware family.
type MachineSeries string

const (
	SeriesOriginal MachineSeries = "Original"
	SeriesA150     MachineSeries = "A150"
	SeriesA250     MachineSeries = "A250"
	SeriesA350     MachineSeries = "A350"
	SeriesA400     MachineSeries = "A400"
	SeriesJ1       MachineSeries = "J1"
	SeriesArtisan  MachineSeries = "Artisan"
	SeriesUnknown  MachineSeries = "Unknown"
)

// headIdentity pairs a head type with its concrete tool head.
type headIdentity struct {
	HeadType HeadType
	ToolHead ToolHead
}

// headCodeTable maps the numeric headType code reported by the device on
// connect to the internal identity. The table is total: any code not listed
// here is an explicit recognition failure, never a silent printing default.
var headCodeTable = map[int]headIdentity{
	1: {HeadTypePrinting, ToolHeadSingleExtruder},
	2: {HeadTypeCNC, ToolHeadStandardCNC},
	3: {HeadTypeLaser, ToolHeadLaser1600mW},
	4: {HeadTypeLaser, ToolHeadLaser10W},
	5: {HeadTypePrinting, ToolHeadDualExtruder},
}

// MapHeadCode resolves a numeric device head code to {HeadType, ToolHead}.
func MapHeadCode(code int) (HeadType, ToolHead, error) {
	id, ok := headCodeTable[code]
	if !ok {
		return HeadTypeUnknown, ToolHeadUnknown, fmt.Errorf("unrecognized head type code %d", code)
	}
	return id.HeadType, id.ToolHead, nil
}

// seriesAliasTable maps the series strings devices report (which vary by
// firmware generation) to the internal series enum.
var seriesAliasTable = map[string]MachineSeries{
	"Original":           SeriesOriginal,
	"Snapmaker Original": SeriesOriginal,
	"A150":               SeriesA150,
	"Snapmaker 2.0 A150": SeriesA150,
	"A250":               SeriesA250,
	"Snapmaker 2.0 A250": SeriesA250,
	"A350":               SeriesA350,
	"Snapmaker 2.0 A350": SeriesA350,
	"A400":               SeriesA400,
	"Snapmaker 2.0 A400": SeriesA400,
	"J1":                 SeriesJ1,
	"Snapmaker J1":       SeriesJ1,
	"Artisan":            SeriesArtisan,
	"Snapmaker Artisan":  SeriesArtisan,
}

// MapSeries resolves a device-reported series string to the internal enum.
func MapSeries(s string) (MachineSeries, error) {
	series, ok := seriesAliasTable[s]
	if !ok {
		return SeriesUnknown, fmt.Errorf("unrecognized machine series %q", s)
	}
	return series, nil
}
