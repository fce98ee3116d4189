// Package pearlywhite drives a UFACTORY xArm from the keyboard and records
// the teleoperated episodes as LeRobot-style datasets.
//
// # Installation
//
//	go install github.com/gwillem/pearlywhite/cmd/pearlywhite@latest
//
// # Usage
//
// First, run setup to find the arm and configure the camera and dataset:
//
//	pearlywhite setup
//
// Then drive the arm, or record episodes and push them to the hub:
//
//	pearlywhite teleoperate
//	pearlywhite record --episodes 5
//
// Credentials are read from the environment or a .env file: HF_TOKEN for
// the hub and AZURE_STORAGE_SAS_TOKEN for blob storage.
//
// # Packages
//
//   - cmd/pearlywhite: CLI with setup, teleoperate, record, detect and transfer commands
//   - pkg/xarm: xArm controller protocol over TCP or serial
//   - pkg/camera: Camera interface and frames; pkg/camera/opencv captures with OpenCV
//   - pkg/robot: Follower arm with cameras
//   - pkg/teleop: Keyboard teleoperator and control loop
//   - pkg/dataset: Local dataset of episodes, frames and images
//   - pkg/record: Recording sessions
//   - pkg/hub: Model hub client (repos, uploads, snapshots)
//   - pkg/blob: Blob storage filesystem
//   - pkg/vision: Object detection; pkg/vision/rtdetr runs RT-DETR ONNX models
package pearlywhite
