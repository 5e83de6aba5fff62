package parser

import "strings"

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimePPTX = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	mimeDOC  = "application/msword"
	mimeODT  = "application/vnd.oasis.opendocument.text"
	mimeRTF  = "application/rtf"
	mimeHTML = "text/html"
	mimeText = "text/plain"
	mimeMD   = "text/markdown"
	mimePNG  = "image/png"
	mimeJPEG = "image/jpeg"
	mimeTIFF = "image/tiff"
)

// baseMime drops parameters such as "; charset=utf-8".
func baseMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

func mimeSet(types ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}

// fileNameFor returns a file name Docling and LlamaParse can sniff the format from.
func fileNameFor(mimeType string) string {
	switch baseMime(mimeType) {
	case mimePDF:
		return "document.pdf"
	case mimeDOCX:
		return "document.docx"
	case mimeXLSX:
		return "document.xlsx"
	case mimePPTX:
		return "document.pptx"
	case mimePNG:
		return "document.png"
	case mimeJPEG:
		return "document.jpg"
	case mimeTIFF:
		return "document.tiff"
	case mimeHTML:
		return "document.html"
	case mimeMD:
		return "document.md"
	}
	return "document.bin"
}
