/*
Package upload implements the resumable multipart upload engine.

The engine walks a fixed-size part grid over each local file, persists an
UploadProgress row after every accepted part, and on restart resumes from
the first part the server has not acknowledged. The server's part list is
authoritative: on resume the locally persisted list is merged with it and
the server wins conflicts. A session the server no longer recognizes is
dropped and the transfer restarts from part one; the bytes are still on
disk so nothing is lost but the re-upload time.

Two Remote implementations exist: S3Remote over the S3 multipart API
(minio low-level client) and DriveRemote over Google Drive resumable
sessions, where chunks play the role of parts and the committed byte
offset plays the role of the part list.
*/
package upload
