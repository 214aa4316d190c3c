package model

import (
	"mime"
	"path/filepath"
	"strings"
)

var artifactTypeByExt = map[string]ArtifactType{
	".md":   ArtifactDocument,
	".txt":  ArtifactDocument,
	".pdf":  ArtifactDocument,
	".doc":  ArtifactDocument,
	".docx": ArtifactDocument,
	".html": ArtifactDocument,
	".htm":  ArtifactDocument,

	".png":  ArtifactImage,
	".jpg":  ArtifactImage,
	".jpeg": ArtifactImage,
	".gif":  ArtifactImage,
	".svg":  ArtifactImage,
	".bmp":  ArtifactImage,

	".json":    ArtifactData,
	".xml":     ArtifactData,
	".csv":     ArtifactData,
	".yaml":    ArtifactData,
	".yml":     ArtifactData,
	".parquet": ArtifactData,

	".log": ArtifactLog,
	".out": ArtifactLog,

	".zip": ArtifactArchive,
	".tar": ArtifactArchive,
	".gz":  ArtifactArchive,
	".tgz": ArtifactArchive,
	".bz2": ArtifactArchive,
	".xz":  ArtifactArchive,
	".7z":  ArtifactArchive,
}

// mimeByExt overrides the platform mime table for extensions where it
// is absent or disagrees across systems.
var mimeByExt = map[string]string{
	".xml":  "application/xml",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".csv":  "text/csv",
	".log":  "text/plain",
	".out":  "text/plain",
	".md":   "text/markdown",
	".tgz":  "application/gzip",
}

// ClassifyArtifact infers the artifact type and MIME type from the file
// name extension.
func ClassifyArtifact(fileName string) (ArtifactType, string) {
	ext := strings.ToLower(filepath.Ext(fileName))
	mimeType := mimeByExt[ext]
	if mimeType == "" {
		mimeType = mime.TypeByExtension(ext)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if t, ok := artifactTypeByExt[ext]; ok {
		return t, mimeType
	}
	return ArtifactOther, mimeType
}
