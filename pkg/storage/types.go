package storage

const (
	DefaultInfoFile = "info.json"

	DefaultFilePerm = 0660
	DefaultDirPerm  = 0750
)
