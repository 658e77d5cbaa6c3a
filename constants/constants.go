// Package constants holds the conventional file and folder names used to
// locate exported model artifacts on disk.
package constants

// Single model files.
const (
	ConfigName      = "config.json"
	ONNXWeightsName = "model.onnx"
)

// Diffusion pipeline component subfolders.
const (
	DiffusionModelUNetSubfolder         = "unet"
	DiffusionModelTransformerSubfolder  = "transformer"
	DiffusionModelVAEDecoderSubfolder   = "vae_decoder"
	DiffusionModelVAEEncoderSubfolder   = "vae_encoder"
	DiffusionModelTextEncoderSubfolder  = "text_encoder"
	DiffusionModelTextEncoder2Subfolder = "text_encoder_2"
	DiffusionModelTextEncoder3Subfolder = "text_encoder_3"
)

// Diffusion pipeline files.
const (
	DiffusionPipelineConfigFileName = "model_index.json"
	DiffusionModelConfigFileName    = "config.json"
	DiffusionModelONNXFileName      = "model.onnx"
)

// DiffusionModelSubfolders returns the component subfolder names in
// declaration order. The slice is a copy.
func DiffusionModelSubfolders() []string {
	return []string{
		DiffusionModelUNetSubfolder,
		DiffusionModelTransformerSubfolder,
		DiffusionModelVAEDecoderSubfolder,
		DiffusionModelVAEEncoderSubfolder,
		DiffusionModelTextEncoderSubfolder,
		DiffusionModelTextEncoder2Subfolder,
		DiffusionModelTextEncoder3Subfolder,
	}
}

// Table maps the canonical upper-case name of every constant to its value.
func Table() map[string]string {
	return map[string]string{
		"CONFIG_NAME":                              ConfigName,
		"ONNX_WEIGHTS_NAME":                        ONNXWeightsName,
		"DIFFUSION_MODEL_UNET_SUBFOLDER":           DiffusionModelUNetSubfolder,
		"DIFFUSION_MODEL_TRANSFORMER_SUBFOLDER":    DiffusionModelTransformerSubfolder,
		"DIFFUSION_MODEL_VAE_DECODER_SUBFOLDER":    DiffusionModelVAEDecoderSubfolder,
		"DIFFUSION_MODEL_VAE_ENCODER_SUBFOLDER":    DiffusionModelVAEEncoderSubfolder,
		"DIFFUSION_MODEL_TEXT_ENCODER_SUBFOLDER":   DiffusionModelTextEncoderSubfolder,
		"DIFFUSION_MODEL_TEXT_ENCODER_2_SUBFOLDER": DiffusionModelTextEncoder2Subfolder,
		"DIFFUSION_MODEL_TEXT_ENCODER_3_SUBFOLDER": DiffusionModelTextEncoder3Subfolder,
		"DIFFUSION_PIPELINE_CONFIG_FILE_NAME":      DiffusionPipelineConfigFileName,
		"DIFFUSION_MODEL_CONFIG_FILE_NAME":         DiffusionModelConfigFileName,
		"DIFFUSION_MODEL_ONNX_FILE_NAME":           DiffusionModelONNXFileName,
	}
}
