package orchestrator

const extractionPrompt = `You extract facts from customer inquiry documents about industrial exhaust-air treatment.
Reply with one JSON object and nothing else:
{
  "customer": "...",
  "industry": "...",
  "summary": "two or three sentences",
  "parameters": [{"name": "...", "value": "...", "unit": "...", "source": "document name"}],
  "pollutants": [{"name": "...", "concentration": "...", "unit": "...", "cas": "..."}],
  "requirements": ["..."],
  "missing_info": ["..."],
  "uncertainties": ["..."]
}
Copy values exactly as written. Never estimate a value that is not in the documents; list it under missing_info instead.`

const planningPrompt = `You plan the analysis of one exhaust-air treatment inquiry.
Split the work into between %d and %d independent tasks. Choose the number from the inquiry; do not pad.
Each task gets only the slice of facts it needs as "data" and zero or more tools from this list:
%s
Reply with one JSON object and nothing else:
{"tasks": [{"id": "task-1", "name": "...", "objective": "...", "data": {...}, "tools": ["..."], "priority": "high|medium|low"}]}`

const synthesisPrompt = `You combine independent task findings about one exhaust-air treatment inquiry.
Identify risks that only appear when findings are read together, assumptions several tasks share,
and findings that another finding invalidates. Do not repeat findings that stand on their own.
Reply with one JSON object and nothing else:
{
  "summary": "...",
  "interaction_risks": [{"title": "...", "description": "...", "severity": "high|medium|low", "source_tasks": ["task-1"]}],
  "shared_assumptions": ["..."],
  "recommendation": {"decision": "proceed|proceed_with_conditions|do_not_proceed", "rationale": "...", "conditions": ["..."]},
  "overrides": [{"task_id": "task-2", "finding": "...", "reason": "..."}],
  "confidence": 0.0
}`
