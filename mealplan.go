package main

import (
	"fmt"
	"math"
	"slices"
)

// Food tags. Catalog items carry these; diets and conditions exclude them.
const (
	tagPork       = "pork"
	tagBeef       = "beef"
	tagMeat       = "meat"
	tagFish       = "fish"
	tagDairy      = "dairy"
	tagEgg        = "egg"
	tagFried      = "fried"
	tagHighSugar  = "high_sugar"
	tagHighGI     = "high_gi"
	tagHighSodium = "high_sodium"
	tagAlcohol    = "alcohol"
)

// foodItem is one catalog candidate for a meal slot.
type foodItem struct {
	Name     string
	Kcal     int
	ProteinG int
	Tags     []string
}

// mealSlot pairs a slot name with its share of the day's calories.
type mealSlot struct {
	Name  string
	Share float64
}

// mealSlots is the fixed 25/35/30/10 split.
var mealSlots = []mealSlot{
	{"breakfast", 0.25},
	{"lunch", 0.35},
	{"dinner", 0.30},
	{"snack", 0.10},
}

// foodCatalog lists candidates per slot in preference order. The first entry
// of each slot is the fallback when nothing passes the filters.
var foodCatalog = map[string][]foodItem{
	"breakfast": {
		{"Kaya toast with soft-boiled eggs", 380, 15, []string{tagEgg, tagHighSugar, tagDairy}},
		{"Oats with milk and berries", 320, 12, []string{tagDairy}},
		{"Wholemeal toast with eggs", 340, 18, []string{tagEgg}},
		{"Tofu scramble on wholegrain toast", 330, 20, nil},
	},
	"lunch": {
		{"Chicken rice (less rice, no skin)", 500, 30, []string{tagMeat, tagHighGI}},
		{"Char siew noodles", 520, 24, []string{tagPork, tagMeat, tagHighSodium, tagHighGI}},
		{"Sliced fish soup with brown rice", 420, 30, []string{tagFish}},
		{"Yong tau foo soup (no fried items)", 400, 22, []string{tagFish}},
		{"Mixed vegetable rice with tofu", 450, 18, nil},
	},
	"dinner": {
		{"Fried rice with egg", 600, 18, []string{tagFried, tagEgg, tagHighGI}},
		{"Grilled chicken with quinoa and greens", 520, 40, []string{tagMeat}},
		{"Steamed fish with vegetables and brown rice", 480, 35, []string{tagFish}},
		{"Lentil dahl with vegetables", 460, 22, nil},
	},
	"snack": {
		{"Greek yogurt (small)", 120, 10, []string{tagDairy}},
		{"Apple with a handful of almonds", 180, 5, nil},
		{"Roasted chickpeas", 150, 7, nil},
	},
}

// dietExclusions maps diet tags to the food tags they rule out.
var dietExclusions = map[string][]string{
	"no_pork":    {tagPork},
	"halal":      {tagPork, tagAlcohol},
	"no_beef":    {tagBeef},
	"vegetarian": {tagMeat, tagPork, tagBeef, tagFish},
	"vegan":      {tagMeat, tagPork, tagBeef, tagFish, tagDairy, tagEgg},
	"dairy_free": {tagDairy},
}

// conditionExclusions maps condition fragments to the food tags they rule
// out. A condition matches when its tag contains the fragment.
var conditionExclusions = map[string][]string{
	"diabet":       {tagFried, tagHighSugar, tagHighGI},
	"hypertension": {tagHighSodium},
	"cholesterol":  {tagFried},
}

// macroTargets is the day's macro split in grams.
type macroTargets struct {
	ProteinG int `json:"protein_g"`
	FatG     int `json:"fat_g"`
	CarbsG   int `json:"carbs_g"`
}

// plannedMeal is one slot of a generated meal plan.
type plannedMeal struct {
	Slot       string `json:"slot"`
	TargetKcal int    `json:"target_kcal"`
	Item       string `json:"item"`
	ItemKcal   int    `json:"item_kcal"`
	Suggestion string `json:"suggestion"`
}

// mealPlan is a one-day sample plan for a calorie target.
type mealPlan struct {
	CalorieTarget int           `json:"calorie_target"`
	Macros        macroTargets  `json:"macros"`
	Meals         []plannedMeal `json:"meals"`
	Notes         string        `json:"notes"`
}

// excludedTags collects every food tag ruled out by the profile's diet and
// conditions.
func excludedTags(p profile) map[string]bool {
	excluded := map[string]bool{}
	for _, t := range dietExclusions[p.Diet] {
		excluded[t] = true
	}
	for fragment, tags := range conditionExclusions {
		if p.hasCondition(fragment) {
			for _, t := range tags {
				excluded[t] = true
			}
		}
	}
	return excluded
}

// pickFood returns the first candidate with no excluded tag, or the first
// candidate when none pass.
func pickFood(candidates []foodItem, excluded map[string]bool) foodItem {
	for _, item := range candidates {
		if !slices.ContainsFunc(item.Tags, func(t string) bool { return excluded[t] }) {
			return item
		}
	}
	return candidates[0]
}

// macroSplit derives protein at 1.2 g/kg, fat at 25% of calories and carbs
// from the remainder (never negative).
func macroSplit(weightKG float64, calorieTarget int) macroTargets {
	protein := int(math.Round(1.2 * weightKG))
	fat := int(math.Round(float64(calorieTarget) * 0.25 / 9))
	carbs := int(math.Round(float64(calorieTarget-protein*4-fat*9) / 4))
	return macroTargets{ProteinG: protein, FatG: fat, CarbsG: max(0, carbs)}
}

// makeMealPlan partitions the calorie target into meal slots and picks one
// catalog item per slot that respects the diet and condition filters. The
// target is clamped to the sex floor first.
func makeMealPlan(p profile, calorieTarget int) (mealPlan, error) {
	if err := requireBodyFields(p); err != nil {
		return mealPlan{}, err
	}
	calorieTarget = max(calorieTarget, calorieFloor(p.Sex))

	macros := macroSplit(p.WeightKG, calorieTarget)
	excluded := excludedTags(p)

	meals := make([]plannedMeal, 0, len(mealSlots))
	for _, slot := range mealSlots {
		target := int(math.Round(float64(calorieTarget) * slot.Share))
		proteinG := int(math.Round(float64(macros.ProteinG) * slot.Share))
		item := pickFood(foodCatalog[slot.Name], excluded)
		meals = append(meals, plannedMeal{
			Slot:       slot.Name,
			TargetKcal: target,
			Item:       item.Name,
			ItemKcal:   item.Kcal,
			Suggestion: slotSuggestion(item, target, proteinG),
		})
	}

	notes := "Focus on portion size and protein at each meal."
	if p.hasCondition("diabet") {
		notes += " Keep carbohydrates lower-glycemic and spread evenly across the day."
	}
	return mealPlan{
		CalorieTarget: calorieTarget,
		Macros:        macros,
		Meals:         meals,
		Notes:         notes,
	}, nil
}

// slotSuggestion describes how the picked item fits the slot budget.
func slotSuggestion(item foodItem, targetKcal, proteinG int) string {
	fit := "fits the slot"
	switch {
	case item.Kcal > targetKcal+50:
		fit = "take a smaller portion to fit the slot"
	case item.Kcal < targetKcal-100:
		fit = "add a side of vegetables or fruit to fill the slot"
	}
	return fmt.Sprintf("~%d kcal, aim for %dg protein; %s (%d kcal, %dg protein).",
		targetKcal, proteinG, fit, item.Kcal, item.ProteinG)
}
