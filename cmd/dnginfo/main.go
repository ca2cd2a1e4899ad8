// dnginfo prints the tags and embedded capture metadata of DNG files
// written by raw-shutter.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/goccy/go-json"

	"raw-shutter-pi/pkg/dng"
)

type summary struct {
	File         string          `json:"file"`
	Width        int             `json:"width"`
	Height       int             `json:"height"`
	Make         string          `json:"make,omitempty"`
	Model        string          `json:"model,omitempty"`
	Software     string          `json:"software,omitempty"`
	DateTime     string          `json:"dateTime,omitempty"`
	CFAPattern   [4]byte         `json:"cfaPattern"`
	BlackLevel   uint32          `json:"blackLevel"`
	WhiteLevel   uint32          `json:"whiteLevel"`
	ExposureTime string          `json:"exposureTime"`
	ISO          int             `json:"iso"`
	FNumber      float64         `json:"fNumber"`
	FocalLength  float64         `json:"focalLength"`
	Private      json.RawMessage `json:"private,omitempty"`
}

func main() {
	pixels := false
	flag.BoolVar(&pixels, "p", pixels, "also print min/max sample values")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: dnginfo [-p] file.dng...")
		os.Exit(2)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	for _, name := range flag.Args() {
		f, err := os.Open(name)
		if err != nil {
			log.Fatalf("failed to open %s: %s", name, err)
		}
		d, err := dng.Decode(f)
		f.Close()
		if err != nil {
			log.Fatalf("failed to decode %s: %s", name, err)
		}

		s := summary{
			File:         name,
			Width:        d.Width,
			Height:       d.Height,
			Make:         d.Make,
			Model:        d.Model,
			Software:     d.Software,
			CFAPattern:   d.CFAPattern,
			BlackLevel:   d.BlackLevel,
			WhiteLevel:   d.WhiteLevel,
			ExposureTime: d.ExposureTime.String(),
			ISO:          d.ISO,
			FNumber:      d.FNumber,
			FocalLength:  d.FocalLength,
		}
		if !d.DateTime.IsZero() {
			s.DateTime = d.DateTime.Format("2006-01-02 15:04:05")
		}
		if json.Valid(d.PrivateData) {
			s.Private = d.PrivateData
		}
		if err := enc.Encode(s); err != nil {
			panic(err)
		}
		if pixels {
			lo, hi := sampleRange(d.Pix)
			fmt.Printf("samples: min %d max %d\n", lo, hi)
		}
	}
}

func sampleRange(pix []uint16) (lo, hi uint16) {
	if len(pix) == 0 {
		return
	}
	lo, hi = pix[0], pix[0]
	for _, v := range pix[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return
}
