// Package compat holds the ABO/Rh transfusion compatibility rules.
package compat

import "github.com/example/blood-match/internal/models"

// aboDonors lists, per recipient ABO group, the donor groups it can receive.
var aboDonors = map[models.BloodType][]models.BloodType{
	models.BloodO:  {models.BloodO},
	models.BloodA:  {models.BloodA, models.BloodO},
	models.BloodB:  {models.BloodB, models.BloodO},
	models.BloodAB: {models.BloodA, models.BloodB, models.BloodAB, models.BloodO},
}

// IsCompatible reports whether a donor of donorType/donorRh can give to a
// recipient of reqType/reqRh. Rh-negative donors serve either Rh; Rh-positive
// donors serve only Rh-positive recipients. Unknown groups are never compatible.
func IsCompatible(reqType models.BloodType, reqRh models.RhFactor, donorType models.BloodType, donorRh models.RhFactor) bool {
	aboOK := false
	for _, t := range aboDonors[reqType] {
		if t == donorType {
			aboOK = true
			break
		}
	}
	var rhOK bool
	switch donorRh {
	case models.RhNegative:
		rhOK = reqRh == models.RhNegative || reqRh == models.RhPositive
	case models.RhPositive:
		rhOK = reqRh == models.RhPositive
	}
	return aboOK && rhOK
}
