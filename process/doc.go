/*
Package process runs rendered command templates as local shell processes and streams their output to observers.

Each execution is spawned as "<shell> -c <script>" in its own process group, with COMMAND_ID and EXECUTION_ID added to the environment. The Coordinator owns the execution from spawn to its terminal state:

1. A running record is added to the ledger and the process is started. Start returns the execution ID without waiting for the process.
2. A started event is published, then every chunk written to stdout or stderr is appended to the record and published as an output or error event.
3. When the process exits, the record is finalized as success (exit code 0) or error, and a complete event is published after a short delay so that a client that just learned the execution ID has time to subscribe.

An execution also ends when its timeout expires (exit code 124) or when it is stopped (exit code 143). In both cases the record is finalized and complete is published immediately, then the process group is sent SIGTERM, escalating to SIGKILL if it is still alive after the kill grace period. Output arriving after the record is final is dropped, so complete is always the last event for an execution.

A process that cannot be spawned at all is finalized as an error with exit code -1 and the OS error in the record's error text. Start returns that error along with the execution ID, so the failure is also visible through the normal event stream.
*/
package process
