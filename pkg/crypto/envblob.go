package crypto

import "encoding/json"

// EncryptEnvMap serializes and encrypts a set of environment variables for
// at-rest storage on the project row.
func EncryptEnvMap(secret string, vars map[string]string) ([]byte, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(vars)
	if err != nil {
		return nil, err
	}
	return EncryptString(secret, string(payload))
}

// DecryptEnvMap reverses EncryptEnvMap. A nil blob yields an empty map.
func DecryptEnvMap(secret string, blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return map[string]string{}, nil
	}
	plain, err := DecryptToString(secret, blob)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string)
	if err := json.Unmarshal([]byte(plain), &vars); err != nil {
		return nil, err
	}
	return vars, nil
}
