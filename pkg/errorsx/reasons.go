package errorsx

// ReasonCode is a short machine-readable error reason. Each provider or
// pipeline boundary classifies its raw errors into exactly one code;
// downstream code only ever inspects the code, never the message.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonPermissionDenied ReasonCode = "permission_denied"
	ReasonCaptureSetup     ReasonCode = "capture_setup"
	ReasonCaptureWrite     ReasonCode = "capture_write"

	ReasonRecognizerSilence  ReasonCode = "recognizer_silence"
	ReasonRecognizerCanceled ReasonCode = "recognizer_canceled"
	ReasonRecognizerFailed   ReasonCode = "recognizer_failed"
	ReasonRecognizerConnect  ReasonCode = "recognizer_connect"

	ReasonTranscribeNoResult ReasonCode = "transcribe_no_result"

	ReasonSegmentationModelMissing ReasonCode = "segmentation_model_missing"
	ReasonEmbeddingModelMissing    ReasonCode = "embedding_model_missing"
	ReasonDiarizerInit             ReasonCode = "diarizer_init"
	ReasonAudioLoadFailed          ReasonCode = "audio_load_failed"
	ReasonNoSegments               ReasonCode = "no_segments"
	ReasonNoAlignedText            ReasonCode = "no_aligned_text"

	ReasonTranscodeFailed ReasonCode = "transcode_failed"
	ReasonUploadPrepare   ReasonCode = "upload_prepare"
	ReasonUploadTransfer  ReasonCode = "upload_transfer"
	ReasonUploadCommit    ReasonCode = "upload_commit"
	ReasonUploadTransient ReasonCode = "upload_transient"
	ReasonUploadFailed    ReasonCode = "upload_failed"
)
