package types

// Adapter is a LoRA weight set discovered on disk.
type Adapter struct {
	// Name used to select the adapter in requests.
	// example: sql-lora
	Name string `json:"name" example:"sql-lora"`
	// Stable positive integer identifier, assigned in discovery order.
	// example: 1
	ID int `json:"id" example:"1"`
	// Absolute path to the adapter weights.
	// example: /home/user/adapters/sql-lora.gguf
	Path string `json:"path" example:"/home/user/adapters/sql-lora.gguf"`
	// Size of the weights file in bytes.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}
