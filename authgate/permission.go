package authgate

// CheckPermission confirms that claims carry the required permission.
// A token without a permissions claim fails with PermissionsClaimMissing; a
// permission set lacking required fails with PermissionDenied.
func CheckPermission(claims *Claims, required string) error {
	if claims == nil || !claims.hasPermissions {
		return ErrPermissionsClaimMissing
	}
	if !claims.HasPermission(required) {
		return ErrPermissionDenied
	}
	return nil
}
