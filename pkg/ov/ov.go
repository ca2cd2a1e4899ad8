package ov

import (
	"raw-shutter-pi/pkg/camera"
)

type Camera struct {
	ID              string                  `json:"id"`
	Characteristics *camera.Characteristics `json:"characteristics"`
	LargestRawSize  *camera.Size            `json:"largestRawSize,omitempty"`
}

type CaptureResult struct {
	FilePath string `json:"filePath"`
}

// CaptureError is the body of a failed capture. It keeps the jsend
// "error" shape and adds the capture error code.
type CaptureError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type WebdavStatus struct {
	Running bool   `json:"running"`
	Port    int    `json:"port"`
	Host    string `json:"host,omitempty"`
}
