// Package protocol defines the wire messages exchanged with the Miner over
// the executor_interface WebSocket connection. Inbound messages form a
// closed algebraic sum (initial job request | full job request | generic
// error) discriminated by the message_type field; outbound messages are the
// five reply shapes the executor ever sends.
//
// Field names match the wire format exactly — they are not renamed for Go
// convention because both sides of this connection must agree on them
// byte-for-byte.
package protocol

import "encoding/json"

// Message type discriminators, as they appear on the wire.
const (
	TypePrepareJobRequest = "V0PrepareJobRequest"
	TypeRunJobRequest     = "V0RunJobRequest"
	TypeGenericError      = "GenericError"

	TypeReadyRequest    = "V0ReadyRequest"
	TypeFinishedRequest = "V0FinishedRequest"
	TypeFailedRequest   = "V0FailedRequest"
	TypeFailedToPrepare = "V0FailedToPrepare"
)

// Volume type hints/discriminators, as they appear on the wire.
const (
	VolumeTypeInline = "inline"
	VolumeTypeZipURL = "zip_url"
)

// Docker run option presets, a closed mapping.
const (
	PresetNone      = "none"
	PresetNvidiaAll = "nvidia_all"
)

// OutputUploadTypeZipAndHTTPPost is the only output_upload_type the executor
// recognizes.
const OutputUploadTypeZipAndHTTPPost = "zip_and_http_post"

// envelope is used to sniff message_type before deciding which concrete type
// to unmarshal the rest of the frame into.
type envelope struct {
	MessageType string `json:"message_type"`
}

// PeekType returns the message_type discriminator of a raw inbound frame.
func PeekType(raw []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", err
	}
	return e.MessageType, nil
}

// PrepareJobRequest is the "initial" inbound message (InitialJobSpec).
type PrepareJobRequest struct {
	MessageType         string `json:"message_type"`
	JobUUID             string `json:"job_uuid"`
	BaseDockerImageName string `json:"base_docker_image_name"`
	TimeoutSeconds      *int   `json:"timeout_seconds"`
	VolumeType          string `json:"volume_type"`
}

// Volume is the tagged-union volume descriptor carried on FullJobSpec.
// VolumeType selects which of Inline/ZipURL applies; Contents holds the
// base64 zip payload or the HTTPS URL depending on VolumeType.
type Volume struct {
	VolumeType string `json:"volume_type"`
	Contents   string `json:"contents"`
}

// OutputUpload is the tagged output-upload descriptor. Only
// OutputUploadTypeZipAndHTTPPost is recognized; other fields are ignored for
// unrecognized types since an unrecognized type is itself a terminal error.
type OutputUpload struct {
	OutputUploadType string            `json:"output_upload_type"`
	PostURL          string            `json:"post_url"`
	PostFormFields   map[string]string `json:"post_form_fields"`
}

// RunJobRequest is the "full payload" inbound message (FullJobSpec).
type RunJobRequest struct {
	MessageType            string        `json:"message_type"`
	JobUUID                string        `json:"job_uuid"`
	DockerImageName        string        `json:"docker_image_name"`
	DockerRunCmd           []string      `json:"docker_run_cmd"`
	DockerRunOptionsPreset string        `json:"docker_run_options_preset"`
	Volume                 Volume        `json:"volume"`
	OutputUpload           *OutputUpload `json:"output_upload,omitempty"`
}

// InboundGenericError is a GenericError received from the Miner. It carries
// no job_uuid and never alters executor state — it is only logged.
type InboundGenericError struct {
	MessageType string `json:"message_type"`
	Details     string `json:"details"`
}

// ReadyRequest announces that prepare() succeeded and the executor is ready
// for the full job payload.
type ReadyRequest struct {
	MessageType string `json:"message_type"`
	JobUUID     string `json:"job_uuid"`
}

// NewReadyRequest builds a ReadyRequest for jobUUID.
func NewReadyRequest(jobUUID string) ReadyRequest {
	return ReadyRequest{MessageType: TypeReadyRequest, JobUUID: jobUUID}
}

// FinishedRequest reports a successful job.
type FinishedRequest struct {
	MessageType         string `json:"message_type"`
	JobUUID             string `json:"job_uuid"`
	DockerProcessStdout string `json:"docker_process_stdout"`
	DockerProcessStderr string `json:"docker_process_stderr"`
}

// NewFinishedRequest builds a FinishedRequest.
func NewFinishedRequest(jobUUID, stdout, stderr string) FinishedRequest {
	return FinishedRequest{
		MessageType:         TypeFinishedRequest,
		JobUUID:             jobUUID,
		DockerProcessStdout: stdout,
		DockerProcessStderr: stderr,
	}
}

// FailedRequest reports a failed job — bad input, a container that exited
// non-zero, a container that timed out, or an output upload failure.
type FailedRequest struct {
	MessageType             string `json:"message_type"`
	JobUUID                 string `json:"job_uuid"`
	DockerProcessExitStatus *int   `json:"docker_process_exit_status"`
	Timeout                 bool   `json:"timeout"`
	DockerProcessStdout     string `json:"docker_process_stdout"`
	DockerProcessStderr     string `json:"docker_process_stderr"`
}

// NewFailedRequest builds a FailedRequest.
func NewFailedRequest(jobUUID string, exitStatus *int, timeout bool, stdout, stderr string) FailedRequest {
	return FailedRequest{
		MessageType:             TypeFailedRequest,
		JobUUID:                 jobUUID,
		DockerProcessExitStatus: exitStatus,
		Timeout:                 timeout,
		DockerProcessStdout:     stdout,
		DockerProcessStderr:     stderr,
	}
}

// FailedToPrepare reports that the prepare phase (image pull or the CVE
// precondition) failed. No job result fields are carried — nothing
// job-shaped ever ran.
type FailedToPrepare struct {
	MessageType string `json:"message_type"`
	JobUUID     string `json:"job_uuid"`
}

// NewFailedToPrepare builds a FailedToPrepare.
func NewFailedToPrepare(jobUUID string) FailedToPrepare {
	return FailedToPrepare{MessageType: TypeFailedToPrepare, JobUUID: jobUUID}
}

// GenericError reports a protocol violation or an unrecoverable condition.
// Outbound GenericError always carries Details; inbound GenericError (see
// InboundGenericError) does not carry a job_uuid either, matching the wire
// format exactly.
type GenericError struct {
	MessageType string `json:"message_type"`
	Details     string `json:"details"`
}

// NewGenericError builds an outbound GenericError.
func NewGenericError(details string) GenericError {
	return GenericError{MessageType: TypeGenericError, Details: details}
}
