package remote

// ExecChecked runs command in workingDir through the interactive executor and
// succeeds only when the exit code is zero. Any other terminal state,
// including an absent one, produces a CommandError carrying the command, the
// working directory and both captured output streams.
func (s *Session) ExecChecked(workingDir, command, inputData string) (string, error) {
	result, err := s.ExecInteractive(workingDir, command, inputData)
	if err != nil {
		return "", err
	}
	if !result.Succeeded() {
		return "", &CommandError{
			Command:    command,
			WorkingDir: workingDir,
			Result:     result,
		}
	}
	return string(result.Stdout), nil
}
