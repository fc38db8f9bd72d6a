package model

// Attachment дескриптор файла от сервиса загрузки. Ядро хранит его как есть
type Attachment struct {
	URL              string `json:"url"`
	Format           string `json:"format"`
	ResourceType     string `json:"resourceType"`
	Bytes            int64  `json:"bytes"`
	OriginalFilename string `json:"originalFilename"`
}
