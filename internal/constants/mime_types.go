package constants

// MimeTypes maps file extensions to the content type sent with uploads
var MimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",

	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".rtf":  "application/rtf",
	".csv":  "text/csv",

	".zip": "application/zip",
	".rar": "application/vnd.rar",
	".7z":  "application/x-7z-compressed",

	".mp3": "audio/mpeg",
	".mp4": "video/mp4",
	".avi": "video/x-msvideo",
	".mov": "video/quicktime",
	".wmv": "video/x-ms-wmv",
}

// DefaultMimeType is the fallback MIME type for unknown file extensions
const DefaultMimeType = "application/octet-stream"

// DefaultAttachmentExtensions is the allow-list for files mirrored into chat.
var DefaultAttachmentExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg",
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".txt", ".rtf", ".csv", ".zip", ".rar", ".7z",
	".mp3", ".mp4", ".avi", ".mov", ".wmv",
}

// DefaultRelayExtensions is the allow-list for files uploaded from chat to WHMCS.
var DefaultRelayExtensions = []string{".jpg", ".gif", ".jpeg", ".png", ".txt", ".pdf"}

// MimeTypeFor returns the content type for ext, or DefaultMimeType.
func MimeTypeFor(ext string) string {
	if mt, ok := MimeTypes[ext]; ok {
		return mt
	}
	return DefaultMimeType
}
